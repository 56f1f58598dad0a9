// Package velora provides the official Go SDK for the Velora Cloud backend.
//
// Covers profiles, bookings, the offer marketplace, ratings, blocking,
// access-gated profile info, and messaging with realtime channels.
//
// Example:
//
//	client := velora.NewClient("vl-token-...")
//	client.SetSession("vl-token-...", "user-123")
//
//	// Gateway wrappers
//	client.Profiles.Get(ctx, "user-456")
//	client.Bookings.Create(ctx, &velora.BookingOptions{...})
//
//	// Messaging (cached, realtime-merged)
//	msg, _ := client.Messaging().Send(ctx, convID, "user-456", "Hello!")
package velora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://api.velora.app",
}

const (
	DefaultBaseURL = "https://api.velora.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token       string
	userID      string
	baseURL     string
	httpClient  *http.Client
	logger      *zap.Logger
	pushEnabled bool

	Profiles *ProfilesClient
	Bookings *BookingsClient
	Offers   *OffersClient
	Ratings  *RatingsClient
	Blocks   *BlocksClient
	Access   *AccessClient
	Push     *PushClient

	messaging *MessagingClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the structured logger used for swallowed failures.
// Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPushEnabled toggles the fire-and-forget push dispatched after each sent
// message. On by default; disable for bots and test harnesses.
func WithPushEnabled(enabled bool) ClientOption {
	return func(c *Client) { c.pushEnabled = enabled }
}

// NewClient creates a new Velora client.
// token is optional; pass "" and call SetSession after sign-in.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:      zap.NewNop(),
		pushEnabled: true,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Profiles = &ProfilesClient{client: c}
	c.Bookings = &BookingsClient{client: c}
	c.Offers = &OffersClient{client: c}
	c.Ratings = &RatingsClient{client: c}
	c.Blocks = &BlocksClient{client: c}
	c.Access = &AccessClient{client: c}
	c.Push = &PushClient{client: c}
	c.messaging = newMessagingClient(c)
	return c
}

// SetSession sets the auth token and the authenticated user's identifier.
// The messaging layer needs the user ID to resolve counterpart slots and
// viewer-relative unread counters.
func (c *Client) SetSession(token, userID string) {
	c.token = token
	c.userID = userID
}

// UserID returns the authenticated user's identifier, or "" before SetSession.
func (c *Client) UserID() string {
	return c.userID
}

// Messaging returns the messaging sub-client.
func (c *Client) Messaging() *MessagingClient {
	return c.messaging
}

// Health checks gateway health.
func (c *Client) Health(ctx context.Context) (*RPCResult, error) {
	return c.do(ctx, "GET", "/api/app/health", nil, nil)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*RPCResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RPCResult](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func paginationQuery(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	if offset > 0 {
		q["offset"] = fmt.Sprintf("%d", offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Profiles
// ============================================================================

// ProfilesClient handles profile retrieval and browsing.
type ProfilesClient struct{ client *Client }

func (p *ProfilesClient) Get(ctx context.Context, userID string) (*RPCResult, error) {
	return p.client.do(ctx, "GET", "/api/app/profiles/"+userID, nil, nil)
}

func (p *ProfilesClient) UpdateMe(ctx context.Context, update *ProfileUpdate) (*RPCResult, error) {
	return p.client.do(ctx, "PATCH", "/api/app/profiles/me", update, nil)
}

// Browse lists profiles matching the filter, honouring the backend's
// row-level blocking rules (blocked users never appear).
func (p *ProfilesClient) Browse(ctx context.Context, opts *BrowseOptions) (*RPCResult, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.City != "" {
			query["city"] = opts.City
		}
		if opts.MinAge > 0 {
			query["minAge"] = fmt.Sprintf("%d", opts.MinAge)
		}
		if opts.MaxAge > 0 {
			query["maxAge"] = fmt.Sprintf("%d", opts.MaxAge)
		}
		for k, v := range paginationQuery(opts.Limit, opts.Offset) {
			query[k] = v
		}
		if len(query) == 0 {
			query = nil
		}
	}
	return p.client.do(ctx, "GET", "/api/app/profiles", nil, query)
}

// PrivateInfo fetches access-gated fields. The gateway rejects the call
// unless the viewer holds a granted access request for userID.
func (p *ProfilesClient) PrivateInfo(ctx context.Context, userID string) (*RPCResult, error) {
	return p.client.do(ctx, "GET", "/api/app/profiles/"+userID+"/private", nil, nil)
}

// ============================================================================
// Bookings
// ============================================================================

// BookingsClient handles companionship booking requests.
type BookingsClient struct{ client *Client }

func (b *BookingsClient) Create(ctx context.Context, opts *BookingOptions) (*RPCResult, error) {
	return b.client.do(ctx, "POST", "/api/app/bookings", opts, nil)
}

func (b *BookingsClient) List(ctx context.Context) (*RPCResult, error) {
	return b.client.do(ctx, "GET", "/api/app/bookings", nil, nil)
}

// Accept transitions a pending booking to accepted. The transition is atomic
// server-side; accepting an already-decided booking fails with a rejection.
func (b *BookingsClient) Accept(ctx context.Context, bookingID string) (*RPCResult, error) {
	return b.client.do(ctx, "POST", "/api/app/rpc/accept_booking", map[string]string{"bookingId": bookingID}, nil)
}

func (b *BookingsClient) Decline(ctx context.Context, bookingID string) (*RPCResult, error) {
	return b.client.do(ctx, "POST", "/api/app/rpc/decline_booking", map[string]string{"bookingId": bookingID}, nil)
}

func (b *BookingsClient) Cancel(ctx context.Context, bookingID string) (*RPCResult, error) {
	return b.client.do(ctx, "POST", "/api/app/rpc/cancel_booking", map[string]string{"bookingId": bookingID}, nil)
}

// ============================================================================
// Offers
// ============================================================================

// OffersClient handles the offer/application marketplace.
type OffersClient struct{ client *Client }

func (o *OffersClient) Create(ctx context.Context, opts *OfferOptions) (*RPCResult, error) {
	return o.client.do(ctx, "POST", "/api/app/offers", opts, nil)
}

func (o *OffersClient) List(ctx context.Context, opts *ListOffersOptions) (*RPCResult, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Category != "" {
			query["category"] = opts.Category
		}
		if opts.City != "" {
			query["city"] = opts.City
		}
		if opts.OpenOnly {
			query["status"] = "open"
		}
		if opts.Limit > 0 {
			query["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if len(query) == 0 {
			query = nil
		}
	}
	return o.client.do(ctx, "GET", "/api/app/offers", nil, query)
}

func (o *OffersClient) Apply(ctx context.Context, offerID, note string) (*RPCResult, error) {
	return o.client.do(ctx, "POST", "/api/app/offers/"+offerID+"/applications",
		map[string]string{"note": note}, nil)
}

// SelectApplication picks the winning application for an offer. The gateway's
// select_offer_application RPC closes the offer, marks the winner selected and
// every other application rejected in one transaction.
func (o *OffersClient) SelectApplication(ctx context.Context, offerID, applicationID string) (*RPCResult, error) {
	return o.client.do(ctx, "POST", "/api/app/rpc/select_offer_application",
		map[string]string{"offerId": offerID, "applicationId": applicationID}, nil)
}

func (o *OffersClient) MyApplications(ctx context.Context) (*RPCResult, error) {
	return o.client.do(ctx, "GET", "/api/app/applications/mine", nil, nil)
}

// ============================================================================
// Ratings
// ============================================================================

// RatingsClient handles user ratings.
type RatingsClient struct{ client *Client }

func (r *RatingsClient) Rate(ctx context.Context, ratedID string, stars int, comment string) (*RPCResult, error) {
	return r.client.do(ctx, "POST", "/api/app/ratings",
		map[string]any{"ratedId": ratedID, "stars": stars, "comment": comment}, nil)
}

func (r *RatingsClient) ListForUser(ctx context.Context, userID string) (*RPCResult, error) {
	return r.client.do(ctx, "GET", "/api/app/users/"+userID+"/ratings", nil, nil)
}

// Summary returns the aggregate for userID. An unrated user yields a result
// with no data; never infer meaning from a zero-valued summary.
func (r *RatingsClient) Summary(ctx context.Context, userID string) (*RPCResult, error) {
	return r.client.do(ctx, "GET", "/api/app/users/"+userID+"/ratings/summary", nil, nil)
}

// ============================================================================
// Blocks
// ============================================================================

// BlocksClient handles user blocking.
type BlocksClient struct{ client *Client }

func (b *BlocksClient) Block(ctx context.Context, userID string) (*RPCResult, error) {
	return b.client.do(ctx, "POST", "/api/app/blocks", map[string]string{"userId": userID}, nil)
}

func (b *BlocksClient) Unblock(ctx context.Context, userID string) (*RPCResult, error) {
	return b.client.do(ctx, "DELETE", "/api/app/blocks/"+userID, nil, nil)
}

func (b *BlocksClient) List(ctx context.Context) (*RPCResult, error) {
	return b.client.do(ctx, "GET", "/api/app/blocks", nil, nil)
}

// ============================================================================
// Access requests
// ============================================================================

// AccessClient handles access-gated profile information requests.
type AccessClient struct{ client *Client }

func (a *AccessClient) RequestInfo(ctx context.Context, ownerID string) (*RPCResult, error) {
	return a.client.do(ctx, "POST", "/api/app/access-requests", map[string]string{"userId": ownerID}, nil)
}

func (a *AccessClient) Grant(ctx context.Context, requestID string) (*RPCResult, error) {
	return a.client.do(ctx, "POST", "/api/app/rpc/grant_access", map[string]string{"requestId": requestID}, nil)
}

func (a *AccessClient) Deny(ctx context.Context, requestID string) (*RPCResult, error) {
	return a.client.do(ctx, "POST", "/api/app/rpc/deny_access", map[string]string{"requestId": requestID}, nil)
}

func (a *AccessClient) ListRequests(ctx context.Context) (*RPCResult, error) {
	return a.client.do(ctx, "GET", "/api/app/access-requests", nil, nil)
}

// ============================================================================
// Push
// ============================================================================

// PushClient dispatches push notifications through the gateway.
type PushClient struct{ client *Client }

// Notify fires a best-effort push to userID. Delivery is not part of any
// guarantee: the only observable outcome is the returned boolean, and callers
// are expected to ignore it outside diagnostics.
func (p *PushClient) Notify(ctx context.Context, userID, title, body string) bool {
	result, err := p.client.do(ctx, "POST", "/api/app/rpc/notify_user", map[string]string{
		"userId":         userID,
		"title":          title,
		"body":           body,
		"idempotencyKey": uuid.NewString(),
	}, nil)
	if err != nil {
		p.client.logger.Debug("push dispatch failed", zap.String("userId", userID), zap.Error(err))
		return false
	}
	return result.OK
}
