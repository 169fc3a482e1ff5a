//go:generate go run go.uber.org/mock/mockgen -source=database.go -destination=../../internal/mocks/mock_database.go -package=mocks

package interfaces

import (
	"context"

	"chatline/pkg/types"
)

// DatabaseManager handles all persistence operations of the chat store.
// Reads run concurrently; writes are serialized by the implementation.
type DatabaseManager interface {
	// User operations

	// CreateUser stores a new user. Users are normally provisioned by the
	// account service; this exists for seeding and tests.
	CreateUser(ctx context.Context, user *types.User) error

	// GetUser returns ErrUserNotFound for an unknown id.
	GetUser(ctx context.Context, userID int64) (*types.User, error)

	// GetUserByUsername returns ErrUserNotFound for an unknown username.
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)

	// Conversation operations

	// CreateConversation stores a conversation and its participants in
	// one transaction and fills in ID and timestamps.
	CreateConversation(ctx context.Context, conversation *types.Conversation) error

	// GetConversation returns ErrConversationNotFound for an unknown ref.
	GetConversation(ctx context.Context, ref types.ConversationRef) (*types.Conversation, error)

	// FindDirectConversation returns the two-person conversation between
	// the users, or ErrConversationNotFound.
	FindDirectConversation(ctx context.Context, userA, userB int64) (*types.Conversation, error)

	// ListConversations returns the user's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, userID int64) ([]*types.Conversation, error)

	// Message operations

	// CreateMessage inserts a message and bumps the conversation's
	// updated_at atomically. ID is assigned by the store.
	CreateMessage(ctx context.Context, message *types.ChatMessage) error

	// ListMessages returns the conversation's messages oldest first.
	ListMessages(ctx context.Context, ref types.ConversationRef) ([]*types.ChatMessage, error)

	// LastMessage returns the newest message of a conversation, or nil.
	LastMessage(ctx context.Context, ref types.ConversationRef) (*types.ChatMessage, error)

	// Health and lifecycle operations

	HealthCheck(ctx context.Context) error
	Close() error
}
