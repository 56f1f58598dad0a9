package velora

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake channel server
//
// Minimal gateway channel endpoint: greets with "ready", answers pings, and
// records subscribe/unsubscribe commands. Non-channel paths answer with an
// empty OK result so background list refreshes don't fail the tests.
// ============================================================================

type fakeChannelServer struct {
	mu              sync.Mutex
	subs            map[string]int
	unsubs          map[string]int
	onSubscribe     func(topic string, conn *websocket.Conn)
	closeAfterReady bool

	srv *httptest.Server
}

func newFakeChannelServer() *fakeChannelServer {
	s := &fakeChannelServer{
		subs:   make(map[string]int),
		unsubs: make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *fakeChannelServer) close() { s.srv.Close() }

func (s *fakeChannelServer) subscribeCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[topic]
}

func (s *fakeChannelServer) unsubscribeCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs[topic]
}

func (s *fakeChannelServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/channels" {
		w.Header().Set("Content-Type", "application/json")
		writeResult(w, []any{})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ready, _ := json.Marshal(ChannelEnvelope{
		Type:    "ready",
		Payload: json.RawMessage(`{"userId":"alice"}`),
	})
	if conn.Write(ctx, websocket.MessageText, ready) != nil {
		return
	}

	s.mu.Lock()
	dropNow := s.closeAfterReady
	s.mu.Unlock()
	if dropNow {
		conn.Close(websocket.StatusGoingAway, "test drop")
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd ChannelCommand
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}

		switch cmd.Type {
		case "subscribe":
			s.mu.Lock()
			s.subs[cmd.Topic]++
			hook := s.onSubscribe
			s.mu.Unlock()
			if hook != nil {
				hook(cmd.Topic, conn)
			}
		case "unsubscribe":
			s.mu.Lock()
			s.unsubs[cmd.Topic]++
			s.mu.Unlock()
		case "ping":
			pong, _ := json.Marshal(ChannelEnvelope{
				Type:    "pong",
				Payload: json.RawMessage(`{"requestId":"` + cmd.RequestID + `"}`),
			})
			if conn.Write(ctx, websocket.MessageText, pong) != nil {
				return
			}
		}
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtimeConnectWaitsForReady(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	rt := c.Realtime(nil)

	var readyUser string
	var readyMu sync.Mutex
	rt.OnReady(func(p ReadyPayload) {
		readyMu.Lock()
		readyUser = p.UserID
		readyMu.Unlock()
	})

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	assert.Equal(t, StateConnected, rt.State())
	assert.Eventually(t, func() bool {
		readyMu.Lock()
		defer readyMu.Unlock()
		return readyUser == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimePingPong(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	rt := c.Realtime(nil)
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	pong, err := rt.Ping(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestRealtimeSubscribeRequiresConnection(t *testing.T) {
	c := NewClient("tok")
	rt := c.Realtime(nil)
	err := rt.Subscribe(context.Background(), "conversation:c1")
	assert.Error(t, err)
}

func TestRealtimeDisconnectIsTerminalForSends(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	rt := c.Realtime(nil)
	require.NoError(t, rt.Connect(context.Background()))
	require.NoError(t, rt.Disconnect())

	assert.Equal(t, StateDisconnected, rt.State())
	assert.Error(t, rt.Subscribe(context.Background(), "conversation:c1"))
}

// ============================================================================
// Channel feed delivery
// ============================================================================

func TestRealtimeWatchDeliversMessageInserts(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	// First subscribe on the conversation topic gets one insert pushed back.
	s.onSubscribe = func(topic string, conn *websocket.Conn) {
		if topic != "conversation:conv-1" {
			return
		}
		conn.Write(context.Background(), websocket.MessageText, []byte(`{
			"type": "message.insert",
			"topic": "conversation:conv-1",
			"payload": {
				"id": "msg-1",
				"conversationId": "conv-1",
				"senderId": "bob",
				"recipientId": "alice",
				"content": "salut",
				"createdAt": "2026-03-01T12:00:00Z"
			}
		}`))
	}

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	c.SetSession("tok", "alice")
	m := c.Messaging()

	rt := c.Realtime(nil)
	m.AttachRealtime(rt)
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	require.NoError(t, m.WatchConversation(context.Background(), "conv-1"))
	assert.Equal(t, subActive, m.SubscriptionState("conv-1"))

	assert.Eventually(t, func() bool {
		msgs := m.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].ID == "msg-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeRewatchTearsDownPriorChannel(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	c.SetSession("tok", "alice")
	m := c.Messaging()

	rt := c.Realtime(nil)
	m.AttachRealtime(rt)
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	require.NoError(t, m.WatchConversation(context.Background(), "conv-1"))
	require.NoError(t, m.WatchConversation(context.Background(), "conv-1"))

	assert.Eventually(t, func() bool {
		return s.subscribeCount("conversation:conv-1") == 2 &&
			s.unsubscribeCount("conversation:conv-1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, subActive, m.SubscriptionState("conv-1"))
}

func TestRealtimeConcurrentWatchesKeepOneChannel(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	c.SetSession("tok", "alice")
	m := c.Messaging()

	rt := c.Realtime(nil)
	m.AttachRealtime(rt)
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.WatchConversation(context.Background(), "conv-1"))
		}()
	}
	wg.Wait()

	// Serialized watches: every rewatch tears down its predecessor, so
	// exactly one channel remains open no matter the interleaving.
	assert.Equal(t, subActive, m.SubscriptionState("conv-1"))
	assert.Eventually(t, func() bool {
		return s.subscribeCount("conversation:conv-1")-
			s.unsubscribeCount("conversation:conv-1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeUnwatchAll(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	c.SetSession("tok", "alice")
	m := c.Messaging()

	rt := c.Realtime(nil)
	m.AttachRealtime(rt)
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	require.NoError(t, m.WatchConversation(context.Background(), "conv-1"))
	require.NoError(t, m.WatchConversation(context.Background(), "conv-2"))

	m.UnwatchAll(context.Background())

	assert.Equal(t, subUnsubscribed, m.SubscriptionState("conv-1"))
	assert.Equal(t, subUnsubscribed, m.SubscriptionState("conv-2"))
	assert.Eventually(t, func() bool {
		return s.unsubscribeCount("conversation:conv-1") == 1 &&
			s.unsubscribeCount("conversation:conv-2") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeSessionFeedSubscription(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	c.SetSession("tok", "alice")
	m := c.Messaging()

	rt := c.Realtime(nil)
	m.AttachRealtime(rt)
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	require.NoError(t, m.SubscribeSession(context.Background()))
	assert.Eventually(t, func() bool {
		return s.subscribeCount("user:alice") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeReplaysTopicsAfterReconnect(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	// Kill the connection right after the first subscribe to force a
	// reconnect; the replayed subscribe must not be cut again.
	var dropped bool
	s.onSubscribe = func(topic string, conn *websocket.Conn) {
		s.mu.Lock()
		first := !dropped
		dropped = true
		s.mu.Unlock()
		if first {
			conn.Close(websocket.StatusGoingAway, "test drop")
		}
	}

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	rt := c.Realtime(&RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	require.NoError(t, rt.Subscribe(context.Background(), "conversation:conv-1"))

	assert.Eventually(t, func() bool {
		return s.subscribeCount("conversation:conv-1") >= 2 && rt.State() == StateConnected
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRealtimeConnectSurvivesReplayFailure(t *testing.T) {
	s := newFakeChannelServer()
	defer s.close()

	c := NewClient("tok", WithBaseURL(s.srv.URL))
	rt := c.Realtime(nil)
	require.NoError(t, rt.Connect(context.Background()))
	require.NoError(t, rt.Subscribe(context.Background(), "conversation:conv-1"))
	require.NoError(t, rt.Disconnect())

	// The next connection dies right after the handshake, so the topic
	// replay writes into a closing connection. Connect still reports the
	// established connection; the read loop owns the failure from there.
	s.mu.Lock()
	s.closeAfterReady = true
	s.mu.Unlock()

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	assert.Eventually(t, func() bool {
		return rt.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Dispatcher & reconnector
// ============================================================================

func TestDispatcherGenericHandler(t *testing.T) {
	d := newEventDispatcher()
	got := make(chan string, 1)
	d.generic["custom.event"] = append(d.generic["custom.event"], func(eventType string, payload json.RawMessage) {
		got <- eventType
	})

	d.dispatch(ChannelEnvelope{Type: "custom.event", Payload: json.RawMessage(`{}`)})

	select {
	case typ := <-got:
		assert.Equal(t, "custom.event", typ)
	case <-time.After(2 * time.Second):
		t.Fatal("generic handler not invoked")
	}
}

func TestDispatcherIgnoresMalformedPayload(t *testing.T) {
	d := newEventDispatcher()
	called := false
	d.onMessageInsert = append(d.onMessageInsert, func(Message) { called = true })

	d.dispatch(ChannelEnvelope{Type: "message.insert", Payload: json.RawMessage(`"not an object"`)})
	assert.False(t, called)
}

func TestReconnectorBackoffGrowsAndCaps(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    500 * time.Millisecond,
		MaxReconnectAttempts: 10,
	})

	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 200*time.Millisecond)

	var last time.Duration
	for i := 0; i < 8; i++ {
		last = r.nextDelay()
	}
	assert.Equal(t, 500*time.Millisecond, last, "delay must cap at the configured max")
}

func TestReconnectorResetsAfterStableConnection(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 10,
	})

	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	require.Equal(t, 5, r.attempt)

	// A connection that held for over a minute starts the ladder over.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	d := r.nextDelay()
	assert.Less(t, d, 200*time.Millisecond)
	assert.Equal(t, 1, r.attempt)
}

func TestReconnectorRespectsMaxAttempts(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	for i := 0; i < 3; i++ {
		require.True(t, r.shouldReconnect())
		r.nextDelay()
	}
	assert.False(t, r.shouldReconnect())

	r.reset()
	assert.True(t, r.shouldReconnect())
}
