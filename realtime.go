package velora

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime channel client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// ChannelEventHandler is the generic event callback type.
type ChannelEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu                   sync.RWMutex
	generic              map[string][]ChannelEventHandler
	onReady              []func(ReadyPayload)
	onMessageInsert      []func(Message)
	onMessageUpdate      []func(Message)
	onConversationInsert []func(Conversation)
	onConversationUpdate []func(Conversation)
	onError              []func(ChannelErrorPayload)
	onConnected          []func()
	onDisconnected       []func(int, string)
	onReconnecting       []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]ChannelEventHandler),
	}
}

// dispatch fans an envelope out to its typed handlers. Cache-merging handlers
// run inline so a merge completes before the next envelope is read; meta
// handlers run on their own goroutines.
func (d *eventDispatcher) dispatch(env ChannelEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "ready":
		var p ReadyPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReady {
				go h(p)
			}
		}
	case "message.insert":
		var msg Message
		if json.Unmarshal(env.Payload, &msg) == nil {
			for _, h := range d.onMessageInsert {
				h(msg)
			}
		}
	case "message.update":
		var msg Message
		if json.Unmarshal(env.Payload, &msg) == nil {
			for _, h := range d.onMessageUpdate {
				h(msg)
			}
		}
	case "conversation.insert":
		var conv Conversation
		if json.Unmarshal(env.Payload, &conv) == nil {
			for _, h := range d.onConversationInsert {
				h(conv)
			}
		}
	case "conversation.update":
		var conv Conversation
		if json.Unmarshal(env.Payload, &conv) == nil {
			for _, h := range d.onConversationUpdate {
				h(conv)
			}
		}
	case "error":
		var p ChannelErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the websocket channel client with auto-reconnect and
// heartbeat. Topics subscribed through Subscribe are replayed after a
// reconnect so change feeds survive connectivity gaps.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	logger           *zap.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	topics           map[string]struct{}
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// Realtime creates a realtime channel client bound to this API client's
// base URL. Call Connect to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      c.baseURL,
		config:       &cfg,
		logger:       c.logger,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		topics:       make(map[string]struct{}),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnReady registers a handler for the ready event.
func (rt *RealtimeClient) OnReady(h func(ReadyPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReady = append(rt.dispatcher.onReady, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageInsert registers a handler for message row inserts.
func (rt *RealtimeClient) OnMessageInsert(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageInsert = append(rt.dispatcher.onMessageInsert, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageUpdate registers a handler for message row updates (read state).
func (rt *RealtimeClient) OnMessageUpdate(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageUpdate = append(rt.dispatcher.onMessageUpdate, h)
	rt.dispatcher.mu.Unlock()
}

// OnConversationInsert registers a handler for conversation row inserts.
func (rt *RealtimeClient) OnConversationInsert(h func(Conversation)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConversationInsert = append(rt.dispatcher.onConversationInsert, h)
	rt.dispatcher.mu.Unlock()
}

// OnConversationUpdate registers a handler for conversation row updates.
func (rt *RealtimeClient) OnConversationUpdate(h func(Conversation)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConversationUpdate = append(rt.dispatcher.onConversationUpdate, h)
	rt.dispatcher.mu.Unlock()
}

// OnError registers a handler for server channel errors.
func (rt *RealtimeClient) OnError(h func(ChannelErrorPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onError = append(rt.dispatcher.onError, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(eventType string, h ChannelEventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[eventType] = append(rt.dispatcher.generic[eventType], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the websocket connection and waits for the server's
// ready event before returning.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/channels?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("read ready message: %w", err)
	}

	var env ChannelEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "ready" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("expected 'ready', got '%s'", env.Type)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	replay := make([]string, 0, len(rt.topics))
	for topic := range rt.topics {
		replay = append(replay, topic)
	}
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.dispatch(env)
	rt.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	// Restore change feeds that were live before a reconnect. A failed
	// replay means the connection is already going down; the readLoop
	// notices and schedules the reconnect, so the established connection
	// is reported as such rather than half torn down.
	for _, topic := range replay {
		if err := rt.send(ctx, &ChannelCommand{Type: "subscribe", Topic: topic}); err != nil {
			rt.logger.Debug("topic replay failed", zap.String("topic", topic), zap.Error(err))
			break
		}
	}

	return nil
}

// Disconnect gracefully closes the connection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Subscribe opens a change feed for the given topic.
func (rt *RealtimeClient) Subscribe(ctx context.Context, topic string) error {
	if err := rt.send(ctx, &ChannelCommand{Type: "subscribe", Topic: topic}); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.topics[topic] = struct{}{}
	rt.mu.Unlock()
	return nil
}

// Unsubscribe tears down the change feed for the given topic.
func (rt *RealtimeClient) Unsubscribe(ctx context.Context, topic string) error {
	rt.mu.Lock()
	delete(rt.topics, topic)
	rt.mu.Unlock()
	return rt.send(ctx, &ChannelCommand{Type: "unsubscribe", Topic: topic})
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.send(ctx, &ChannelCommand{Type: "ping", RequestID: requestID})
	if err != nil {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *ChannelCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env ChannelEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			s := rt.state
			rt.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	// The prior connection's context is gone; reconnect independently.
	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
