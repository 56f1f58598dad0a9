// Messaging: conversation/message caches, send/read orchestration, and the
// realtime merge discipline.
//
// The caches are exclusively owned by the MessagingClient and mutated only
// through its operations. Realtime events arrive on reader goroutines, so
// every cache access goes through one mutex; merges are written as pure
// reducers over the cached slices to keep them testable without a live
// channel.

package velora

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultListDebounce bounds conversation-list refresh frequency under bursty
// triggers (focus events, realtime notifications) without introducing a queue.
const defaultListDebounce = time.Second

var errRealtimeNotAttached = errors.New("velora: realtime client not attached")

// subscriptionState tracks the per-conversation channel lifecycle.
type subscriptionState string

const (
	subUnsubscribed subscriptionState = "unsubscribed"
	subSubscribing  subscriptionState = "subscribing"
	subActive       subscriptionState = "active"
)

// MessagingClient maintains the client-side view of the user's conversations
// and message histories, kept consistent with the gateway via explicit fetches
// and realtime channel merges.
type MessagingClient struct {
	client *Client

	mu            sync.RWMutex
	conversations []*Conversation
	messages      map[string][]*Message
	loading       bool
	onMessage     func(*Message)

	listMu     sync.Mutex
	listing    bool
	lastListAt time.Time
	debounce   time.Duration

	subMu sync.Mutex
	rt    *RealtimeClient
	subs  map[string]subscriptionState
}

func newMessagingClient(c *Client) *MessagingClient {
	return &MessagingClient{
		client:   c,
		messages: make(map[string][]*Message),
		debounce: defaultListDebounce,
		subs:     make(map[string]subscriptionState),
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Conversations returns a snapshot of the cached conversation list,
// recency-ordered.
func (m *MessagingClient) Conversations() []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Conversation{}, m.conversations...)
}

// Messages returns a snapshot of the cached history for a conversation,
// ordered by creation time ascending.
func (m *MessagingClient) Messages(conversationID string) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Message{}, m.messages[conversationID]...)
}

// IsLoading reports whether a conversation-list fetch is in flight.
func (m *MessagingClient) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// SetMessageHandler registers the callback invoked synchronously with each
// realtime message merge (used by the UI to auto-scroll and mark-as-read).
func (m *MessagingClient) SetMessageHandler(h func(*Message)) {
	m.mu.Lock()
	m.onMessage = h
	m.mu.Unlock()
}

func (m *MessagingClient) messageHandler() func(*Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onMessage
}

func (m *MessagingClient) setLoading(v bool) {
	m.mu.Lock()
	m.loading = v
	m.mu.Unlock()
}

// ============================================================================
// Conversation retrieval
// ============================================================================

// ListConversations fetches the user's conversations, enriches each with the
// counterpart profile, last message and viewer-relative unread counter, and
// replaces the cache. Redundant calls are suppressed: if a fetch is in flight
// or the last successful fetch completed within the debounce window, the
// existing cache is returned untouched.
//
// Fetch failures leave the cache unchanged. Network-class failures are
// swallowed silently; other failures are logged.
func (m *MessagingClient) ListConversations(ctx context.Context) ([]*Conversation, error) {
	viewerID := m.client.userID
	if viewerID == "" {
		return nil, ErrNotAuthenticated
	}

	m.listMu.Lock()
	if m.listing || time.Since(m.lastListAt) < m.debounce {
		m.listMu.Unlock()
		return m.Conversations(), nil
	}
	m.listing = true
	m.listMu.Unlock()
	defer func() {
		m.listMu.Lock()
		m.listing = false
		m.listMu.Unlock()
	}()

	m.setLoading(true)
	defer m.setLoading(false)

	result, err := m.client.do(ctx, "GET", "/api/app/conversations", nil, nil)
	if err != nil {
		if IsNetworkError(err) {
			m.client.logger.Debug("conversation list fetch skipped", zap.Error(err))
		} else {
			m.client.logger.Warn("conversation list fetch failed", zap.Error(err))
		}
		return m.Conversations(), nil
	}
	if !result.OK {
		m.client.logger.Warn("conversation list rejected", zap.Any("error", result.Error))
		return m.Conversations(), nil
	}

	var fetched []*Conversation
	if err := result.Decode(&fetched); err != nil {
		m.client.logger.Warn("conversation list decode failed", zap.Error(err))
		return m.Conversations(), nil
	}

	for _, conv := range fetched {
		m.enrichConversation(ctx, conv, viewerID)
	}
	sortConversations(fetched)

	m.mu.Lock()
	m.conversations = fetched
	m.mu.Unlock()

	m.listMu.Lock()
	m.lastListAt = time.Now()
	m.listMu.Unlock()

	return m.Conversations(), nil
}

// enrichConversation resolves the counterpart profile, the denormalized last
// message and the viewer-relative unread counter. Each fetch failure is
// tolerated: the field is left absent and the conversation is kept.
func (m *MessagingClient) enrichConversation(ctx context.Context, conv *Conversation, viewerID string) {
	conv.UnreadCount = conv.ViewerUnreadCount(viewerID)

	otherID := conv.OtherUserID(viewerID)
	if result, err := m.client.Profiles.Get(ctx, otherID); err == nil && result.OK {
		var profile Profile
		if result.Decode(&profile) == nil && profile.ID != "" {
			conv.OtherUser = &profile
		}
	}

	if conv.LastMessageID != "" {
		if result, err := m.client.do(ctx, "GET", "/api/app/messages/"+conv.LastMessageID, nil, nil); err == nil && result.OK {
			var msg Message
			if result.Decode(&msg) == nil && msg.ID != "" {
				conv.LastMessage = &msg
			}
		}
	}
}

// GetOrCreateConversation returns the conversation with otherUserID, creating
// it atomically on the gateway if none exists. Repeated calls with the same
// pair return the same conversation; concurrent callers observe the backend's
// atomicity, not client-side locking. Any gateway or transport failure yields
// a nil conversation.
func (m *MessagingClient) GetOrCreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	viewerID := m.client.userID
	if viewerID == "" {
		return nil, ErrNotAuthenticated
	}
	if otherUserID == "" || otherUserID == viewerID {
		return nil, ErrInvalidOperand
	}

	result, err := m.client.do(ctx, "POST", "/api/app/rpc/get_or_create_conversation",
		map[string]string{"userId": otherUserID}, nil)
	if err != nil {
		if IsNetworkError(err) {
			m.client.logger.Debug("get_or_create_conversation skipped", zap.Error(err))
		} else {
			m.client.logger.Warn("get_or_create_conversation failed", zap.Error(err))
		}
		return nil, nil
	}
	if !result.OK {
		m.client.logger.Warn("get_or_create_conversation rejected", zap.Any("error", result.Error))
		return nil, nil
	}

	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		m.client.logger.Warn("get_or_create_conversation decode failed", zap.Error(err))
		return nil, nil
	}
	m.enrichConversation(ctx, &conv, viewerID)

	m.mu.Lock()
	m.conversations = upsertConversation(m.conversations, &conv)
	m.mu.Unlock()

	return &conv, nil
}

// ============================================================================
// Message retrieval
// ============================================================================

// ListMessages fetches the full history for a conversation, creation-time
// ascending, and replaces the cache entry wholesale. Any failure yields an
// empty result and leaves the cache untouched; callers treat that as
// "no messages yet".
func (m *MessagingClient) ListMessages(ctx context.Context, conversationID string) []*Message {
	result, err := m.client.do(ctx, "GET", "/api/app/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		if IsNetworkError(err) {
			m.client.logger.Debug("message list fetch skipped", zap.Error(err))
		} else {
			m.client.logger.Warn("message list fetch failed", zap.Error(err))
		}
		return []*Message{}
	}
	if !result.OK {
		m.client.logger.Warn("message list rejected", zap.Any("error", result.Error))
		return []*Message{}
	}

	var msgs []*Message
	if err := result.Decode(&msgs); err != nil {
		m.client.logger.Warn("message list decode failed", zap.Error(err))
		return []*Message{}
	}
	sortMessages(msgs)

	m.mu.Lock()
	m.messages[conversationID] = msgs
	m.mu.Unlock()

	return m.Messages(conversationID)
}

// ============================================================================
// Send / read orchestration
// ============================================================================

// Send persists a new outbound message and mirrors it into the cache so the
// caller can render it immediately. The gateway's create_message RPC owns the
// conversation's denormalized fields and unread counters; the client never
// mutates those directly.
//
// Content empty after trimming yields (nil, nil): nothing to send. A gateway
// failure also yields a nil message; the caller is responsible for restoring
// the user's draft. The push notification and the conversation-list refresh
// are fired in the background and never fail the send.
func (m *MessagingClient) Send(ctx context.Context, conversationID, recipientID, content string) (*Message, error) {
	if m.client.userID == "" {
		return nil, ErrNotAuthenticated
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}

	result, err := m.client.do(ctx, "POST", "/api/app/rpc/create_message", map[string]string{
		"conversationId": conversationID,
		"recipientId":    recipientID,
		"content":        content,
	}, nil)
	if err != nil {
		if IsNetworkError(err) {
			m.client.logger.Debug("create_message skipped", zap.Error(err))
		} else {
			m.client.logger.Warn("create_message failed", zap.Error(err))
		}
		return nil, nil
	}
	if !result.OK {
		m.client.logger.Warn("create_message rejected", zap.Any("error", result.Error))
		return nil, nil
	}

	var created struct {
		MessageID string `json:"messageId"`
	}
	if err := result.Decode(&created); err != nil || created.MessageID == "" {
		m.client.logger.Warn("create_message returned no id", zap.Error(err))
		return nil, nil
	}

	// Fetch the canonical record for the server-assigned id and timestamp.
	msgResult, err := m.client.do(ctx, "GET", "/api/app/messages/"+created.MessageID, nil, nil)
	if err != nil || !msgResult.OK {
		m.client.logger.Warn("message fetch after send failed", zap.String("messageId", created.MessageID))
		return nil, nil
	}
	var msg Message
	if err := msgResult.Decode(&msg); err != nil || msg.ID == "" {
		return nil, nil
	}

	// A racing realtime delivery of the same message may have landed first;
	// the merge is idempotent by id either way.
	m.applyMessageInsert(&msg)

	if m.client.pushEnabled {
		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			m.client.Push.Notify(pushCtx, recipientID, "New message", content)
		}()
	}
	go m.refreshConversations()

	return &msg, nil
}

// MarkConversationRead asks the gateway to reset the viewer's unread counter
// and message read flags, then mirrors the flip locally for every cached
// message addressed to the viewer. Repeated calls on an already-read
// conversation are a no-op.
func (m *MessagingClient) MarkConversationRead(ctx context.Context, conversationID string) error {
	viewerID := m.client.userID
	if viewerID == "" {
		return ErrNotAuthenticated
	}

	result, err := m.client.do(ctx, "POST", "/api/app/rpc/mark_messages_as_read",
		map[string]string{"conversationId": conversationID}, nil)
	if err != nil {
		if IsNetworkError(err) {
			m.client.logger.Debug("mark_messages_as_read skipped", zap.Error(err))
			return nil
		}
		m.client.logger.Warn("mark_messages_as_read failed", zap.Error(err))
		return nil
	}
	if !result.OK {
		m.client.logger.Warn("mark_messages_as_read rejected", zap.Any("error", result.Error))
		return nil
	}

	now := nowRFC3339()
	m.mu.Lock()
	for _, msg := range m.messages[conversationID] {
		if msg.RecipientID == viewerID && !msg.IsRead {
			msg.IsRead = true
			msg.ReadAt = now
			msg.UpdatedAt = now
		}
	}
	m.mu.Unlock()

	go m.refreshConversations()
	return nil
}

// ============================================================================
// Deletion
// ============================================================================

// DeleteConversation removes a conversation and its messages. Terminal: on
// success the conversation and its cached history are discarded entirely.
func (m *MessagingClient) DeleteConversation(ctx context.Context, conversationID string) bool {
	result, err := m.client.do(ctx, "DELETE", "/api/app/conversations/"+conversationID, nil, nil)
	if err != nil || !result.OK {
		m.client.logger.Warn("delete conversation failed", zap.String("conversationId", conversationID))
		return false
	}

	m.mu.Lock()
	kept := m.conversations[:0]
	for _, c := range m.conversations {
		if c.ID != conversationID {
			kept = append(kept, c)
		}
	}
	m.conversations = kept
	delete(m.messages, conversationID)
	m.mu.Unlock()

	return true
}

// DeleteMessage removes a single message by id from the gateway and from every
// cached history, then refreshes the conversation list since the deleted
// message may have been a denormalized last message.
func (m *MessagingClient) DeleteMessage(ctx context.Context, messageID string) bool {
	result, err := m.client.do(ctx, "DELETE", "/api/app/messages/"+messageID, nil, nil)
	if err != nil || !result.OK {
		m.client.logger.Warn("delete message failed", zap.String("messageId", messageID))
		return false
	}

	m.mu.Lock()
	for convID, list := range m.messages {
		kept := list[:0]
		for _, msg := range list {
			if msg.ID != messageID {
				kept = append(kept, msg)
			}
		}
		m.messages[convID] = kept
	}
	m.mu.Unlock()

	go m.refreshConversations()
	return true
}

// ============================================================================
// Realtime merge engine
// ============================================================================

// AttachRealtime binds a realtime client: its message and conversation events
// flow into the caches through the merge reducers below. Call before Connect.
func (m *MessagingClient) AttachRealtime(rt *RealtimeClient) {
	m.subMu.Lock()
	m.rt = rt
	m.subMu.Unlock()

	rt.OnMessageInsert(m.handleMessageInsert)
	rt.OnMessageUpdate(m.handleMessageUpdate)
	rt.OnConversationInsert(func(conv Conversation) { m.handleConversationEvent(&conv, false) })
	rt.OnConversationUpdate(func(conv Conversation) { m.handleConversationEvent(&conv, true) })
}

// SubscribeSession opens the session-scoped conversation feed for the current
// user. Conversation inserts/updates involving the user arrive here
// independently of any per-conversation subscription.
func (m *MessagingClient) SubscribeSession(ctx context.Context) error {
	if m.client.userID == "" {
		return ErrNotAuthenticated
	}
	rt := m.realtime()
	if rt == nil {
		return errRealtimeNotAttached
	}
	return rt.Subscribe(ctx, "user:"+m.client.userID)
}

// WatchConversation subscribes to the per-conversation change feed. At most
// one subscription exists per conversation: re-watching an id first tears
// down the prior channel to avoid duplicate event delivery.
func (m *MessagingClient) WatchConversation(ctx context.Context, conversationID string) error {
	rt := m.realtime()
	if rt == nil {
		return errRealtimeNotAttached
	}

	// The check and the subscribe stay in one critical section so that
	// concurrent watches of the same conversation serialize and the
	// one-channel rule holds unconditionally.
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if state := m.subs[conversationID]; state == subActive || state == subSubscribing {
		if err := rt.Unsubscribe(ctx, conversationTopic(conversationID)); err != nil {
			m.client.logger.Debug("stale channel teardown failed", zap.Error(err))
		}
		delete(m.subs, conversationID)
	}

	m.subs[conversationID] = subSubscribing
	if err := rt.Subscribe(ctx, conversationTopic(conversationID)); err != nil {
		delete(m.subs, conversationID)
		return err
	}
	m.subs[conversationID] = subActive
	return nil
}

// UnwatchConversation tears down the per-conversation channel. Safe to call
// on an unwatched conversation.
func (m *MessagingClient) UnwatchConversation(ctx context.Context, conversationID string) error {
	rt := m.realtime()
	if rt == nil {
		return errRealtimeNotAttached
	}
	m.subMu.Lock()
	state := m.subs[conversationID]
	delete(m.subs, conversationID)
	m.subMu.Unlock()

	if state == subUnsubscribed || state == "" {
		return nil
	}
	return rt.Unsubscribe(ctx, conversationTopic(conversationID))
}

// UnwatchAll releases every per-conversation subscription. Must run when the
// owning screen loses focus or the session ends, including on error paths.
func (m *MessagingClient) UnwatchAll(ctx context.Context) {
	rt := m.realtime()

	m.subMu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.subs = make(map[string]subscriptionState)
	m.subMu.Unlock()

	if rt == nil {
		return
	}
	for _, id := range ids {
		if err := rt.Unsubscribe(ctx, conversationTopic(id)); err != nil {
			m.client.logger.Debug("channel teardown failed", zap.String("conversationId", id), zap.Error(err))
		}
	}
}

// SubscriptionState reports the channel lifecycle state for a conversation.
func (m *MessagingClient) SubscriptionState(conversationID string) subscriptionState {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if s, ok := m.subs[conversationID]; ok {
		return s
	}
	return subUnsubscribed
}

func (m *MessagingClient) realtime() *RealtimeClient {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return m.rt
}

func conversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// handleMessageInsert merges a feed-delivered message. The sender's own Send
// call may have inserted it already (either order is possible); deduplication
// by id makes both orders converge.
func (m *MessagingClient) handleMessageInsert(msg Message) {
	if !m.applyMessageInsert(&msg) {
		return
	}
	if h := m.messageHandler(); h != nil {
		h(&msg)
	}
	go m.refreshConversations()
}

// handleMessageUpdate patches read-state changes in place without reordering.
func (m *MessagingClient) handleMessageUpdate(msg Message) {
	m.mu.Lock()
	patched := patchMessageRead(m.messages[msg.ConversationID], &msg)
	m.mu.Unlock()

	if patched {
		go m.refreshConversations()
	}
}

// handleConversationEvent applies the session feed's upsert-and-resort
// discipline, falling back to a full list refresh when an update references a
// conversation not yet cached.
func (m *MessagingClient) handleConversationEvent(conv *Conversation, isUpdate bool) {
	viewerID := m.client.userID
	if viewerID == "" {
		return
	}
	conv.UnreadCount = conv.ViewerUnreadCount(viewerID)

	m.mu.Lock()
	var existing *Conversation
	for _, c := range m.conversations {
		if c.ID == conv.ID {
			existing = c
			break
		}
	}
	if existing == nil && isUpdate {
		m.mu.Unlock()
		go m.refreshConversations()
		return
	}
	if existing != nil {
		// Feed rows carry no enrichment; keep what we already resolved.
		if conv.OtherUser == nil {
			conv.OtherUser = existing.OtherUser
		}
		if conv.LastMessage == nil && conv.LastMessageID == existing.LastMessageID {
			conv.LastMessage = existing.LastMessage
		}
	}
	m.conversations = upsertConversation(m.conversations, conv)
	sortConversations(m.conversations)
	m.mu.Unlock()
}

// refreshConversations re-lists in the background; its failures are non-fatal
// and the debounce guard absorbs bursts.
func (m *MessagingClient) refreshConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if _, err := m.ListConversations(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
		m.client.logger.Debug("background conversation refresh failed", zap.Error(err))
	}
}

// applyMessageInsert merges one message into its conversation's cache entry,
// deduplicating by id and restoring creation-time order. Reports whether the
// message was new.
func (m *MessagingClient) applyMessageInsert(msg *Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, inserted := insertMessage(m.messages[msg.ConversationID], msg)
	m.messages[msg.ConversationID] = merged
	return inserted
}

// ============================================================================
// Merge reducers
// ============================================================================

// insertMessage returns list with msg merged in, keeping creation-time order.
// A message already present by id leaves the list untouched.
func insertMessage(list []*Message, msg *Message) ([]*Message, bool) {
	for _, existing := range list {
		if existing.ID == msg.ID {
			return list, false
		}
	}
	list = append(list, msg)
	sortMessages(list)
	return list, true
}

// patchMessageRead copies read-state fields onto the cached message with the
// same id, in place and without reordering.
func patchMessageRead(list []*Message, update *Message) bool {
	for _, existing := range list {
		if existing.ID == update.ID {
			existing.IsRead = update.IsRead
			existing.ReadAt = update.ReadAt
			if update.UpdatedAt != "" {
				existing.UpdatedAt = update.UpdatedAt
			}
			return true
		}
	}
	return false
}

// upsertConversation replaces the entry with the same id, or prepends.
func upsertConversation(list []*Conversation, conv *Conversation) []*Conversation {
	for i, existing := range list {
		if existing.ID == conv.ID {
			list[i] = conv
			return list
		}
	}
	return append([]*Conversation{conv}, list...)
}

func sortMessages(list []*Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt < list[j].CreatedAt
	})
}

// sortConversations orders by last-message time descending; conversations
// without a last message sort after those with one.
func sortConversations(list []*Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessageAt, list[j].LastMessageAt
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a > b
	})
}

// rfc3339FixedWidth pads nanoseconds with trailing zeros so that every
// client-stamped timestamp has the same width and lexicographic order
// matches time order.
const rfc3339FixedWidth = "2006-01-02T15:04:05.000000000Z07:00"

func nowRFC3339() string {
	return time.Now().UTC().Format(rfc3339FixedWidth)
}
