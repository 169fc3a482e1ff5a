//go:generate go run go.uber.org/mock/mockgen -source=gateway.go -destination=../../internal/mocks/mock_gateway.go -package=mocks

package interfaces

import (
	"context"

	"chatline/pkg/types"
)

// MessageGateway is the persistence and authorization collaborator of a
// chat session.
type MessageGateway interface {
	// CreateMessage durably stores one message and returns its canonical
	// form. Either the message is stored with a server id and timestamp or
	// nothing is stored.
	CreateMessage(ctx context.Context, ref types.ConversationRef, author types.Identity, text string) (*types.ChatMessage, error)

	// IsParticipant reports whether identity takes part in the conversation.
	// It returns ErrConversationNotFound for an unknown conversation.
	IsParticipant(ctx context.Context, ref types.ConversationRef, identity types.Identity) (bool, error)
}

// UserStore resolves principals named by tokens.
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*types.User, error)
}

// Authenticator resolves a raw token to an identity. It never fails: bad,
// expired or missing tokens resolve to the anonymous identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) types.Identity
}
