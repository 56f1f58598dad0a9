package velora

import (
	"encoding/json"
	"errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a gateway error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// RPCResult is the generic gateway response envelope.
type RPCResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type. A rejected result
// yields its APIError; a successful result without data yields an error rather
// than leaving v zero-valued.
func (r *RPCResult) Decode(v interface{}) error {
	if !r.OK && r.Error != nil {
		return r.Error
	}
	if r.Data == nil {
		return errors.New("velora: result has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Profiles
// ============================================================================

// Profile is a user's public profile snapshot.
type Profile struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Age         int      `json:"age,omitempty"`
	City        string   `json:"city,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	IsVerified  bool     `json:"isVerified,omitempty"`
	LastSeenAt  string   `json:"lastSeenAt,omitempty"`
	CreatedAt   string   `json:"createdAt"`
}

// PrivateInfo holds access-gated profile fields. The gateway returns it only
// when the viewer holds an approved access grant for the profile owner.
type PrivateInfo struct {
	UserID      string `json:"userId"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Instagram   string `json:"instagram,omitempty"`
	Note        string `json:"note,omitempty"`
}

// ProfileUpdate carries the mutable fields of the caller's own profile.
type ProfileUpdate struct {
	DisplayName string   `json:"displayName,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	City        string   `json:"city,omitempty"`
	Interests   []string `json:"interests,omitempty"`
}

// BrowseOptions filters the profile browse query.
type BrowseOptions struct {
	City   string
	MinAge int
	MaxAge int
	Limit  int
	Offset int
}

// ============================================================================
// Messaging
// ============================================================================

// Conversation is a 1:1 channel between two participants. The two stored
// participant slots carry their own unread counters; OtherUser, LastMessage
// and UnreadCount are enriched client-side and never persisted.
type Conversation struct {
	ID               string `json:"id"`
	User1ID          string `json:"user1Id"`
	User2ID          string `json:"user2Id"`
	LastMessageID    string `json:"lastMessageId,omitempty"`
	LastMessageAt    string `json:"lastMessageAt,omitempty"`
	User1UnreadCount int    `json:"user1UnreadCount"`
	User2UnreadCount int    `json:"user2UnreadCount"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt,omitempty"`

	// Enriched, client-side only.
	OtherUser   *Profile `json:"otherUser,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// OtherUserID resolves which stored slot belongs to the counterpart of viewerID.
func (c *Conversation) OtherUserID(viewerID string) string {
	if c.User1ID == viewerID {
		return c.User2ID
	}
	return c.User1ID
}

// ViewerUnreadCount selects the unread counter relevant to viewerID.
func (c *Conversation) ViewerUnreadCount(viewerID string) int {
	if c.User1ID == viewerID {
		return c.User1UnreadCount
	}
	return c.User2UnreadCount
}

// Message is a single timestamped text item within a conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
	IsRead         bool   `json:"isRead"`
	ReadAt         string `json:"readAt,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// ============================================================================
// Bookings ("compagnie" requests)
// ============================================================================

// Booking is a companionship booking request between two users.
type Booking struct {
	ID          string `json:"id"`
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId"`
	Status      string `json:"status"` // "pending", "accepted", "declined", "cancelled"
	StartsAt    string `json:"startsAt"`
	DurationMin int    `json:"durationMin"`
	Place       string `json:"place,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// BookingOptions carries the fields of a new booking request.
type BookingOptions struct {
	ProviderID  string `json:"providerId"`
	StartsAt    string `json:"startsAt"`
	DurationMin int    `json:"durationMin"`
	Place       string `json:"place,omitempty"`
	Note        string `json:"note,omitempty"`
}

// ============================================================================
// Offers marketplace
// ============================================================================

// Offer is a marketplace posting (drinks, food, transport, gifts).
type Offer struct {
	ID          string `json:"id"`
	AuthorID    string `json:"authorId"`
	Category    string `json:"category"` // "drinks", "food", "transport", "gifts"
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	City        string `json:"city,omitempty"`
	Status      string `json:"status"` // "open", "closed"
	SelectedID  string `json:"selectedApplicationId,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// OfferApplication is one user's application to an open offer.
type OfferApplication struct {
	ID          string `json:"id"`
	OfferID     string `json:"offerId"`
	ApplicantID string `json:"applicantId"`
	Status      string `json:"status"` // "pending", "selected", "rejected"
	Note        string `json:"note,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// OfferOptions carries the fields of a new offer.
type OfferOptions struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	City        string `json:"city,omitempty"`
}

// ListOffersOptions filters the offer listing query.
type ListOffersOptions struct {
	Category string
	City     string
	OpenOnly bool
	Limit    int
}

// ============================================================================
// Ratings
// ============================================================================

// Rating is one user's rating of another.
type Rating struct {
	ID        string `json:"id"`
	RaterID   string `json:"raterId"`
	RatedID   string `json:"ratedId"`
	Stars     int    `json:"stars"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// RatingSummary aggregates a user's received ratings. A user with no ratings
// has no summary at all rather than a zero-valued one; callers must treat an
// absent summary as "not yet rated", not as a zero score.
type RatingSummary struct {
	UserID  string  `json:"userId"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// ============================================================================
// Access requests
// ============================================================================

// AccessRequest is a request to view another user's gated profile fields.
type AccessRequest struct {
	ID          string `json:"id"`
	RequesterID string `json:"requesterId"`
	OwnerID     string `json:"ownerId"`
	Status      string `json:"status"` // "pending", "granted", "denied"
	CreatedAt   string `json:"createdAt"`
}

// ============================================================================
// Realtime wire format
// ============================================================================

// ChannelEnvelope is the wire format for all realtime events.
type ChannelEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelCommand is a client-to-server channel command.
type ChannelCommand struct {
	Type      string `json:"type"`
	Topic     string `json:"topic,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ReadyPayload is sent when a realtime connection is authenticated.
type ReadyPayload struct {
	UserID string `json:"userId"`
}

// ChannelErrorPayload is sent when a server-side channel error occurs.
type ChannelErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}
