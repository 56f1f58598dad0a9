package velora

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("tok")
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
	assert.NotNil(t, c.Profiles)
	assert.NotNil(t, c.Bookings)
	assert.NotNil(t, c.Offers)
	assert.NotNil(t, c.Ratings)
	assert.NotNil(t, c.Blocks)
	assert.NotNil(t, c.Access)
	assert.NotNil(t, c.Push)
	assert.NotNil(t, c.Messaging())
}

func TestClientOptions(t *testing.T) {
	c := NewClient("tok",
		WithBaseURL("https://staging.velora.app/"),
		WithTimeout(5*time.Second),
	)
	assert.Equal(t, "https://staging.velora.app", c.baseURL, "trailing slash must be trimmed")
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)

	c2 := NewClient("tok", WithEnvironment(Production))
	assert.Equal(t, "https://api.velora.app", c2.baseURL)
}

func TestSetSession(t *testing.T) {
	c := NewClient("")
	assert.Empty(t, c.UserID())

	c.SetSession("vl-token", "user-1")
	assert.Equal(t, "user-1", c.UserID())
	assert.Equal(t, "vl-token", c.token)
}

func TestRequestCarriesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeResult(w, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := NewClient("vl-secret", WithBaseURL(srv.URL))
	result, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "Bearer vl-secret", gotAuth)
}

func TestRPCResultDecode(t *testing.T) {
	result := &RPCResult{OK: true, Data: json.RawMessage(`{"id":"p1","displayName":"Ana"}`)}

	var profile Profile
	require.NoError(t, result.Decode(&profile))
	assert.Equal(t, "p1", profile.ID)
	assert.Equal(t, "Ana", profile.DisplayName)
}

func TestRPCResultDecodeErrors(t *testing.T) {
	rejected := &RPCResult{OK: false, Error: &APIError{Code: "FORBIDDEN", Message: "blocked"}}
	var out Profile
	err := rejected.Decode(&out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORBIDDEN")

	empty := &RPCResult{OK: true}
	assert.Error(t, empty.Decode(&out))
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(errors.New("decode failed")))

	assert.True(t, IsNetworkError(context.DeadlineExceeded))
	assert.True(t, IsNetworkError(context.Canceled))
	assert.True(t, IsNetworkError(&url.Error{Op: "Get", URL: "https://x", Err: errors.New("connection refused")}))

	// A dead listener yields a transport error from the http client.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestBrowseQueryParameters(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		writeResult(w, []any{})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	_, err := c.Profiles.Browse(context.Background(), &BrowseOptions{
		City:   "Paris",
		MinAge: 21,
		MaxAge: 35,
		Limit:  20,
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris", got.Get("city"))
	assert.Equal(t, "21", got.Get("minAge"))
	assert.Equal(t, "35", got.Get("maxAge"))
	assert.Equal(t, "20", got.Get("limit"))
	assert.Empty(t, got.Get("offset"), "zero offset must not be sent")
}

func TestPushNotifySendsIdempotencyKey(t *testing.T) {
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		writeResult(w, map[string]bool{"queued": true})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	assert.True(t, c.Push.Notify(context.Background(), "user-2", "New message", "hello"))
	assert.True(t, c.Push.Notify(context.Background(), "user-2", "New message", "hello"))

	require.Len(t, bodies, 2)
	assert.Equal(t, "user-2", bodies[0]["userId"])
	assert.NotEmpty(t, bodies[0]["idempotencyKey"])
	assert.NotEqual(t, bodies[0]["idempotencyKey"], bodies[1]["idempotencyKey"],
		"each dispatch is its own delivery attempt")
}

func TestPushNotifySwallowsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	assert.False(t, c.Push.Notify(context.Background(), "user-2", "t", "b"))
}

func TestPaginationQuery(t *testing.T) {
	assert.Nil(t, paginationQuery(0, 0))
	assert.Equal(t, map[string]string{"limit": "10"}, paginationQuery(10, 0))
	assert.Equal(t, map[string]string{"limit": "10", "offset": "40"}, paginationQuery(10, 40))
}
