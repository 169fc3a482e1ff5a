package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/auth/authtest"
	"chatline/internal/config"
	"chatline/pkg/types"
)

var discard = slog.New(slog.DiscardHandler)

func newApp(t *testing.T, mutate func(*config.Config)) *Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatline.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.Secret = authtest.Secret
	if mutate != nil {
		mutate(cfg)
	}

	app, err := NewApplication(cfg, discard)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func seedUser(t *testing.T, app *Application, username string) types.Identity {
	t.Helper()
	u := &types.User{Username: username, DisplayName: strings.ToUpper(username[:1]) + username[1:], IsActive: true}
	require.NoError(t, app.dbManager.CreateUser(context.Background(), u))
	return u.Identity()
}

func startConversation(t *testing.T, app *Application, initiator types.Identity, username string) types.ConversationRef {
	t.Helper()
	c, _, err := app.conversations.StartConversation(context.Background(), initiator, username)
	require.NoError(t, err)
	return c.ID
}

// dial opens a chat socket. An empty token connects without one.
func dial(t *testing.T, app *Application, ref types.ConversationRef, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws/chat/%d/", app.GetAddr(), ref)
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func join(t *testing.T, app *Application, ref types.ConversationRef, who types.Identity) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, app, ref, authtest.Token(t, who.UserID))
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	frame, err := json.Marshal(map[string]string{"message": text})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func next(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return data
}

func history(t *testing.T, app *Application, ref types.ConversationRef, who types.Identity) []json.RawMessage {
	t.Helper()
	items, err := fetchHistory(app, ref, authtest.Token(t, who.UserID))
	require.NoError(t, err)
	return items
}

func fetchHistory(app *Application, ref types.ConversationRef, token string) ([]json.RawMessage, error) {
	url := fmt.Sprintf("http://%s/api/chat/conversations/%d/messages/", app.GetAddr(), ref)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: status %d", resp.StatusCode)
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

func members(app *Application, ref types.ConversationRef) int {
	return app.rooms.Members(types.RoomKeyFor(ref))
}

func TestApplication_StartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatline.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.Secret = authtest.Secret

	app, err := NewApplication(cfg, discard)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", app.GetAddr())

	require.NoError(t, app.Start(context.Background()))
	assert.NotEqual(t, "127.0.0.1:0", app.GetAddr())
	assert.Error(t, app.Start(context.Background()))

	resp, err := http.Get("http://" + app.GetAddr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
	assert.False(t, app.messageHub.IsRunning())
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatline.db")

	_, err := NewApplication(cfg, discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestApplication_AuthenticatedParticipantJoins(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	join(t, app, ref, ana)

	assert.Equal(t, 1, members(app, ref))
	assert.Equal(t, 1, app.wsHandler.Sessions().Count())
}

func TestApplication_AnonymousRejected(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	for _, token := range []string{"", "not-a-jwt"} {
		conn, resp, err := dial(t, app, ref, token)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Nil(t, conn)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Equal(t, 0, members(app, ref))
	assert.Equal(t, 0, app.wsHandler.Sessions().Count())
}

func TestApplication_MessageReachesBothParticipants(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	bruno := seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	anaConn := join(t, app, ref, ana)
	brunoConn := join(t, app, ref, bruno)
	require.Equal(t, 2, members(app, ref))

	send(t, anaConn, "hi")

	for _, conn := range []*websocket.Conn{anaConn, brunoConn} {
		var out types.OutboundMessage
		require.NoError(t, json.Unmarshal(next(t, conn), &out))
		assert.NotZero(t, out.ID)
		assert.Equal(t, "hi", out.Content)
		assert.Equal(t, ana.UserID, out.Author)
		assert.Equal(t, "Ana", out.AuthorDisplayName)
	}
}

func TestApplication_NonParticipantRejected(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	carla := seedUser(t, app, "carla")
	ref := startConversation(t, app, ana, "bruno")

	conn, resp, err := dial(t, app, ref, authtest.Token(t, carla.UserID))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, members(app, ref))

	_, resp, err = dial(t, app, ref+1000, authtest.Token(t, ana.UserID))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplication_OnlyRoomMembersReceive(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	carla := seedUser(t, app, "carla")
	withBruno := startConversation(t, app, ana, "bruno")
	withCarla := startConversation(t, app, ana, "carla")

	anaConn := join(t, app, withBruno, ana)
	carlaConn := join(t, app, withCarla, carla)

	send(t, anaConn, "for bruno only")
	next(t, anaConn)

	require.NoError(t, carlaConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := carlaConn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestApplication_PerRoomOrder(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	bruno := seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	anaConn := join(t, app, ref, ana)
	brunoConn := join(t, app, ref, bruno)

	const n = 20
	for i := 0; i < n; i++ {
		send(t, anaConn, fmt.Sprintf("m%02d", i))
	}

	var lastID int64
	for i := 0; i < n; i++ {
		var out types.OutboundMessage
		require.NoError(t, json.Unmarshal(next(t, brunoConn), &out))
		assert.Equal(t, fmt.Sprintf("m%02d", i), out.Content)
		assert.Greater(t, out.ID, lastID)
		lastID = out.ID
	}
}

func TestApplication_DeliveredMessageIsStoredWithSameBytes(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	bruno := seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	anaConn := join(t, app, ref, ana)
	brunoConn := join(t, app, ref, bruno)

	send(t, anaConn, "olá, tudo bem?")
	live := next(t, brunoConn)

	// Delivered frames are always already stored.
	items := history(t, app, ref, bruno)
	require.Len(t, items, 1)
	assert.True(t, bytes.Equal(live, items[0]), "live %s != history %s", live, items[0])
}

func TestApplication_SessionLeavesRoomOnDisconnect(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	conn := join(t, app, ref, ana)
	require.Equal(t, 1, members(app, ref))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return members(app, ref) == 0 && app.wsHandler.Sessions().Count() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestApplication_BrokerOutageIsolatesFailure(t *testing.T) {
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server did not start")
	t.Cleanup(ns.Shutdown)

	app := newApp(t, func(cfg *config.Config) {
		cfg.Broker.Kind = config.BrokerNATS
		cfg.Broker.NATSURL = ns.ClientURL()
	})
	require.NotNil(t, app.natsRooms)

	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	carla := seedUser(t, app, "carla")
	convA := startConversation(t, app, ana, "bruno")
	convB := startConversation(t, app, carla, "ana")

	anaConn := join(t, app, convA, ana)
	require.Equal(t, 1, members(app, convA))

	ns.Shutdown()
	require.Eventually(t, func() bool {
		return app.natsRooms.GetStats()["connected"] == false
	}, 5*time.Second, 20*time.Millisecond)

	_, resp, err := dial(t, app, convB, authtest.Token(t, carla.UserID))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, members(app, convB))

	// The session that was already joined is untouched.
	assert.Equal(t, 1, app.wsHandler.Sessions().Count())
	assert.Equal(t, 1, members(app, convA))

	send(t, anaConn, "still here")
	token := authtest.Token(t, ana.UserID)
	require.Eventually(t, func() bool {
		items, err := fetchHistory(app, convA, token)
		return err == nil && len(items) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, app.wsHandler.Sessions().Count())
}

func TestApplication_ShutdownClosesSessions(t *testing.T) {
	app := newApp(t, nil)
	ana := seedUser(t, app, "ana")
	seedUser(t, app, "bruno")
	ref := startConversation(t, app, ana, "bruno")

	conn := join(t, app, ref, ana)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected read error: %v", err)
	assert.Equal(t, 0, app.wsHandler.Sessions().Count())
}
