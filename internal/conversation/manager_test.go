package conversation

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatline/internal/database"
	"chatline/internal/delivery"
	"chatline/internal/mocks"
	dbconfig "chatline/pkg/database"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

var discard = slog.New(slog.DiscardHandler)

func setupStore(t *testing.T) *database.Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chat.db")

	db, err := database.NewManager(cfg, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func seedUser(t *testing.T, db *database.Manager, username string, active bool) types.Identity {
	t.Helper()
	u := &types.User{Username: username, DisplayName: strings.ToUpper(username), IsActive: active}
	require.NoError(t, db.CreateUser(context.Background(), u))
	return u.Identity()
}

func TestManager_IsParticipantCachesConversation(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := mocks.NewMockDatabaseManager(ctrl)
	m := NewManager(db, discard)
	ctx := context.Background()

	db.EXPECT().
		GetConversation(gomock.Any(), types.ConversationRef(42)).
		Return(&types.Conversation{ID: 42, ParticipantIDs: []int64{1, 2}}, nil).
		Times(1)

	ok, err := m.IsParticipant(ctx, 42, types.Identity{UserID: 1})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.IsParticipant(ctx, 42, types.Identity{UserID: 3})
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, m.GetStats()["cached_conversations"])
	require.Equal(t, 2, m.GetStats()["cached_participants"])
}

func TestManager_IsParticipantErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := mocks.NewMockDatabaseManager(ctrl)
	m := NewManager(db, discard)
	ctx := context.Background()

	// Anonymous identities never reach the store.
	ok, err := m.IsParticipant(ctx, 42, types.Anonymous())
	require.NoError(t, err)
	require.False(t, ok)

	db.EXPECT().GetConversation(gomock.Any(), types.ConversationRef(7)).Return(nil, interfaces.ErrConversationNotFound)
	_, err = m.IsParticipant(ctx, 7, types.Identity{UserID: 1})
	require.ErrorIs(t, err, interfaces.ErrConversationNotFound)

	boom := errors.New("disk on fire")
	db.EXPECT().GetConversation(gomock.Any(), types.ConversationRef(8)).Return(nil, boom)
	_, err = m.IsParticipant(ctx, 8, types.Identity{UserID: 1})
	require.ErrorIs(t, err, boom)

	require.Equal(t, 0, m.GetStats()["cached_conversations"], "failed lookups are not cached")
}

func TestManager_CreateMessageValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := mocks.NewMockDatabaseManager(ctrl)
	m := NewManager(db, discard)
	ctx := context.Background()
	author := types.Identity{UserID: 1, DisplayName: "Ana"}

	_, err := m.CreateMessage(ctx, 1, types.Anonymous(), "hi")
	require.ErrorIs(t, err, ErrAnonymousAuthor)

	_, err = m.CreateMessage(ctx, 1, author, "  ")
	require.ErrorIs(t, err, types.ErrEmptyMessage)

	_, err = m.CreateMessage(ctx, 1, author, strings.Repeat("x", types.MaxMessageLength+1))
	require.ErrorIs(t, err, types.ErrMessageTooLarge)
}

func TestManager_CreateMessageStampsTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := mocks.NewMockDatabaseManager(ctrl)
	m := NewManager(db, discard)
	m.now = func() time.Time {
		return time.Date(2025, 5, 4, 10, 0, 0, 123456789, time.FixedZone("X", 3600))
	}

	db.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msg *types.ChatMessage) error {
			msg.ID = 99
			msg.AuthorDisplayName = "Ana Stored"
			return nil
		})

	msg, err := m.CreateMessage(context.Background(), 5, types.Identity{UserID: 1, DisplayName: "Ana"}, "hello")
	require.NoError(t, err)
	require.Equal(t, int64(99), msg.ID)
	require.Equal(t, "Ana Stored", msg.AuthorDisplayName, "display name comes from the store")
	require.Equal(t, types.ConversationRef(5), msg.ConversationID)
	require.Equal(t, time.Date(2025, 5, 4, 9, 0, 0, 123456000, time.UTC), msg.Timestamp)
}

func TestManager_CreateMessageStoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := mocks.NewMockDatabaseManager(ctrl)
	m := NewManager(db, discard)

	db.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("locked"))

	msg, err := m.CreateMessage(context.Background(), 5, types.Identity{UserID: 1}, "hello")
	require.Error(t, err)
	require.Nil(t, msg)
}

func TestManager_StartConversation(t *testing.T) {
	req := require.New(t)
	db := setupStore(t)
	m := NewManager(db, discard)
	ctx := context.Background()

	ana := seedUser(t, db, "ana", true)
	seedUser(t, db, "bruno", true)
	seedUser(t, db, "ghost", false)

	c, created, err := m.StartConversation(ctx, ana, "bruno")
	req.NoError(err)
	req.True(created)
	req.Equal([]string{"ana", "bruno"}, c.Participants)

	again, created, err := m.StartConversation(ctx, ana, "bruno")
	req.NoError(err)
	req.False(created)
	req.Equal(c.ID, again.ID)

	_, _, err = m.StartConversation(ctx, ana, "ana")
	req.ErrorIs(err, ErrSelfConversation)

	_, _, err = m.StartConversation(ctx, ana, "nobody")
	req.ErrorIs(err, interfaces.ErrUserNotFound)

	_, _, err = m.StartConversation(ctx, ana, "bad name")
	req.ErrorIs(err, types.ErrInvalidUsername)

	_, _, err = m.StartConversation(ctx, ana, "ghost")
	req.ErrorIs(err, ErrInactiveUser)

	_, _, err = m.StartConversation(ctx, types.Anonymous(), "bruno")
	req.ErrorIs(err, ErrAnonymousAuthor)
}

func TestManager_ConversationFlow(t *testing.T) {
	req := require.New(t)
	db := setupStore(t)
	m := NewManager(db, discard)
	ctx := context.Background()

	ana := seedUser(t, db, "ana", true)
	bruno := seedUser(t, db, "bruno", true)
	carla := seedUser(t, db, "carla", true)

	c, _, err := m.StartConversation(ctx, ana, "bruno")
	req.NoError(err)

	ok, err := m.IsParticipant(ctx, c.ID, bruno)
	req.NoError(err)
	req.True(ok)

	ok, err = m.IsParticipant(ctx, c.ID, carla)
	req.NoError(err)
	req.False(ok)

	_, err = m.IsParticipant(ctx, c.ID+100, ana)
	req.ErrorIs(err, interfaces.ErrConversationNotFound)

	first, err := m.CreateMessage(ctx, c.ID, ana, "hi")
	req.NoError(err)
	second, err := m.CreateMessage(ctx, c.ID, bruno, "hello")
	req.NoError(err)
	req.Greater(second.ID, first.ID)

	history, err := m.ListMessages(ctx, c.ID, bruno)
	req.NoError(err)
	req.Len(history, 2)
	req.Equal(first, history[0], "stored and listed messages are identical")
	req.Equal("BRUNO", history[1].AuthorDisplayName)

	_, err = m.ListMessages(ctx, c.ID, carla)
	req.ErrorIs(err, interfaces.ErrNotParticipant)

	overviews, err := m.ListConversations(ctx, ana)
	req.NoError(err)
	req.Len(overviews, 1)
	req.Equal(c.ID, overviews[0].Conversation.ID)
	req.Equal(second, overviews[0].LastMessage)

	overviews, err = m.ListConversations(ctx, carla)
	req.NoError(err)
	req.Empty(overviews)
}

func TestManager_CreateMessageEncodesLikeHistoryAfterRename(t *testing.T) {
	req := require.New(t)
	db := setupStore(t)
	m := NewManager(db, discard)
	ctx := context.Background()

	ana := seedUser(t, db, "ana", true)
	seedUser(t, db, "bruno", true)
	c, _, err := m.StartConversation(ctx, ana, "bruno")
	req.NoError(err)

	// ana's identity still carries the name she connected with.
	_, err = db.GetDB().ExecContext(ctx, `UPDATE users SET display_name = ? WHERE id = ?`, "Ana R.", ana.UserID)
	req.NoError(err)

	msg, err := m.CreateMessage(ctx, c.ID, ana, "hi")
	req.NoError(err)
	req.Equal("Ana R.", msg.AuthorDisplayName)

	history, err := m.ListMessages(ctx, c.ID, ana)
	req.NoError(err)
	req.Len(history, 1)

	live, err := delivery.Encode(msg)
	req.NoError(err)
	listed, err := delivery.Encode(history[0])
	req.NoError(err)
	req.Equal(string(listed), string(live))

	last, err := m.LastMessage(ctx, c.ID)
	req.NoError(err)
	req.Equal(msg, last)
}
