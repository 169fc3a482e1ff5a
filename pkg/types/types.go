package types

import (
	"strconv"
	"time"
)

// RoomKeyPrefix namespaces conversation rooms inside the broker.
const RoomKeyPrefix = "chat_"

// Identity is the principal resolved for one connection attempt.
// The zero value is the anonymous identity.
type Identity struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Anonymous returns the anonymous sentinel identity.
func Anonymous() Identity {
	return Identity{}
}

// IsAnonymous reports whether the identity names no principal.
func (i Identity) IsAnonymous() bool {
	return i.UserID <= 0
}

// User is a row of the user store
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Identity converts a stored user into the identity carried by a session.
func (u *User) Identity() Identity {
	return Identity{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

// ConversationRef names a conversation. Valid refs are positive.
type ConversationRef int64

func (r ConversationRef) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// RoomKey is the pub/sub group name of a conversation.
type RoomKey string

// RoomKeyFor derives the room key of a conversation.
func RoomKeyFor(ref ConversationRef) RoomKey {
	return RoomKey(RoomKeyPrefix + ref.String())
}

// Conversation is a persisted conversation with its participants.
// Participants never change after creation.
type Conversation struct {
	ID             ConversationRef `json:"id"`
	ParticipantIDs []int64         `json:"-"`
	Participants   []string        `json:"participant_usernames"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatMessage is a stored chat message. It is created only by the gateway
// and never modified afterwards.
type ChatMessage struct {
	ID                int64
	ConversationID    ConversationRef
	AuthorID          int64
	AuthorDisplayName string
	Content           string
	Timestamp         time.Time
}

// Subscriber is a session's delivery address inside a room registry.
// Deliveries must be buffered; registries never block on it.
type Subscriber struct {
	Address    string
	Deliveries chan []byte
}

// NewSubscriber creates a subscriber with a mailbox of the given size.
func NewSubscriber(address string, mailbox int) *Subscriber {
	return &Subscriber{
		Address:    address,
		Deliveries: make(chan []byte, mailbox),
	}
}

// Offer hands payload to the subscriber without blocking.
// It returns false when the mailbox is full.
func (s *Subscriber) Offer(payload []byte) bool {
	select {
	case s.Deliveries <- payload:
		return true
	default:
		return false
	}
}

// InboundFrame is the only client frame shape the relay accepts.
type InboundFrame struct {
	Message string `json:"message" validate:"required,max=4096"`
}

// OutboundMessage is the wire shape of a chat message, shared by live
// delivery and the history listing.
type OutboundMessage struct {
	ID                int64  `json:"id"`
	Author            int64  `json:"author"`
	AuthorDisplayName string `json:"author_display_name"`
	Content           string `json:"content"`
	Timestamp         string `json:"timestamp"`
}

// ConversationSummary is one entry of the conversation listing.
type ConversationSummary struct {
	ID                   ConversationRef  `json:"id"`
	ParticipantUsernames []string         `json:"participant_usernames"`
	LastMessage          *OutboundMessage `json:"last_message"`
	UpdatedAt            time.Time        `json:"updated_at"`
}
