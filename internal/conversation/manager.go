package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Overview is one conversation as seen by a participant: the conversation
// itself and its newest message, if any.
type Overview struct {
	Conversation *types.Conversation
	LastMessage  *types.ChatMessage
}

// Manager is the message persistence gateway over the chat store. It also
// serves the conversation operations of the HTTP surface.
type Manager struct {
	dbManager interfaces.DatabaseManager
	logger    *slog.Logger
	now       func() time.Time

	// Participant sets never change after creation, so cached entries are
	// never invalidated.
	cache map[types.ConversationRef]*types.Conversation
	mu    sync.RWMutex
}

var _ interfaces.MessageGateway = (*Manager)(nil)

// NewManager creates a new conversation manager
func NewManager(dbManager interfaces.DatabaseManager, logger *slog.Logger) *Manager {
	return &Manager{
		dbManager: dbManager,
		logger:    logger.With("component", "conversation"),
		now:       time.Now,
		cache:     make(map[types.ConversationRef]*types.Conversation),
	}
}

// GetConversation returns a conversation, from cache when possible.
func (m *Manager) GetConversation(ctx context.Context, ref types.ConversationRef) (*types.Conversation, error) {
	m.mu.RLock()
	if c, ok := m.cache[ref]; ok {
		m.mu.RUnlock()
		return c, nil
	}
	m.mu.RUnlock()

	c, err := m.dbManager.GetConversation(ctx, ref)
	if err != nil {
		return nil, err
	}

	m.remember(c)
	return c, nil
}

func (m *Manager) remember(c *types.Conversation) {
	m.mu.Lock()
	m.cache[c.ID] = c
	m.mu.Unlock()
}

// IsParticipant reports whether identity takes part in the conversation.
// Unknown conversations yield ErrConversationNotFound.
func (m *Manager) IsParticipant(ctx context.Context, ref types.ConversationRef, identity types.Identity) (bool, error) {
	if identity.IsAnonymous() {
		return false, nil
	}
	c, err := m.GetConversation(ctx, ref)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(identity.UserID), nil
}

// CreateMessage stores text as a new message of the conversation and
// returns the stored row, so live delivery encodes exactly what the history
// listing reads. The timestamp is assigned here, in UTC at microsecond
// precision.
func (m *Manager) CreateMessage(ctx context.Context, ref types.ConversationRef, author types.Identity, text string) (*types.ChatMessage, error) {
	if author.IsAnonymous() {
		return nil, ErrAnonymousAuthor
	}
	if err := types.ValidateMessageText(text); err != nil {
		return nil, err
	}

	msg := &types.ChatMessage{
		ConversationID: ref,
		AuthorID:       author.UserID,
		Content:        text,
		Timestamp:      types.NormalizeTimestamp(m.now()),
	}

	if err := m.dbManager.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	m.logger.Debug("message stored", "conversation", ref, "message_id", msg.ID, "author", author.UserID)
	return msg, nil
}

// StartConversation returns the direct conversation between initiator and
// the user named username, creating it when none exists. created reports
// whether a new conversation was made.
func (m *Manager) StartConversation(ctx context.Context, initiator types.Identity, username string) (c *types.Conversation, created bool, err error) {
	if initiator.IsAnonymous() {
		return nil, false, ErrAnonymousAuthor
	}
	if !types.IsValidUsername(username) {
		return nil, false, types.ErrInvalidUsername
	}

	other, err := m.dbManager.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, false, err
	}
	if other.ID == initiator.UserID {
		return nil, false, ErrSelfConversation
	}
	if !other.IsActive {
		return nil, false, ErrInactiveUser
	}

	c, err = m.dbManager.FindDirectConversation(ctx, initiator.UserID, other.ID)
	if err == nil {
		m.remember(c)
		return c, false, nil
	}
	if !errors.Is(err, interfaces.ErrConversationNotFound) {
		return nil, false, err
	}

	fresh := &types.Conversation{ParticipantIDs: []int64{initiator.UserID, other.ID}}
	if err := m.dbManager.CreateConversation(ctx, fresh); err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	// Reload to pick up participant usernames.
	c, err = m.dbManager.GetConversation(ctx, fresh.ID)
	if err != nil {
		return nil, false, err
	}
	m.remember(c)

	m.logger.Info("conversation started", "conversation", c.ID, "initiator", initiator.UserID, "with", other.ID)
	return c, true, nil
}

// ListConversations returns the identity's conversations with their newest
// message, most recently active first.
func (m *Manager) ListConversations(ctx context.Context, identity types.Identity) ([]Overview, error) {
	if identity.IsAnonymous() {
		return nil, ErrAnonymousAuthor
	}

	conversations, err := m.dbManager.ListConversations(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	overviews := make([]Overview, 0, len(conversations))
	for _, c := range conversations {
		last, err := m.dbManager.LastMessage(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load last message of conversation %d: %w", c.ID, err)
		}
		overviews = append(overviews, Overview{Conversation: c, LastMessage: last})
	}
	return overviews, nil
}

// LastMessage returns the newest message of the conversation, or nil.
func (m *Manager) LastMessage(ctx context.Context, ref types.ConversationRef) (*types.ChatMessage, error) {
	return m.dbManager.LastMessage(ctx, ref)
}

// ListMessages returns the conversation history, oldest first. Only
// participants may read it.
func (m *Manager) ListMessages(ctx context.Context, ref types.ConversationRef, identity types.Identity) ([]*types.ChatMessage, error) {
	ok, err := m.IsParticipant(ctx, ref, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, interfaces.ErrNotParticipant
	}
	return m.dbManager.ListMessages(ctx, ref)
}

// GetStats returns conversation manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	participants := lo.SumBy(lo.Values(m.cache), func(c *types.Conversation) int {
		return len(c.ParticipantIDs)
	})
	return map[string]interface{}{
		"cached_conversations": len(m.cache),
		"cached_participants":  participants,
	}
}
