package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chatline/internal/auth"
	"chatline/internal/auth/authtest"
	"chatline/internal/conversation"
	"chatline/internal/database"
	"chatline/internal/delivery"
	dbconfig "chatline/pkg/database"
	"chatline/pkg/types"
)

var discard = slog.New(slog.DiscardHandler)

type fakeStats struct{}

func (fakeStats) GetStats() map[string]int { return map[string]int{"total_sessions": 2} }

type fakeRooms struct{}

func (fakeRooms) GetStats() map[string]interface{} { return map[string]interface{}{"rooms": 1} }

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("database is closed") }

type fixture struct {
	server        *Server
	db            *database.Manager
	conversations *conversation.Manager
	users         map[string]types.Identity
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")

	db, err := database.NewManager(cfg, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	f := &fixture{db: db, users: map[string]types.Identity{}}
	for _, u := range []*types.User{
		{Username: "ana", DisplayName: "Ana", IsActive: true},
		{Username: "bruno", DisplayName: "Bruno", IsActive: true},
		{Username: "carla", DisplayName: "Carla", IsActive: true},
		{Username: "dormant", DisplayName: "Dormant", IsActive: false},
	} {
		require.NoError(t, db.CreateUser(context.Background(), u))
		f.users[u.Username] = u.Identity()
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{Secret: authtest.Secret}, db, discard)
	require.NoError(t, err)

	f.conversations = conversation.NewManager(db, discard)
	f.server = NewServer(f.conversations, authenticator, db, fakeStats{}, fakeRooms{}, nil, discard)
	return f
}

func (f *fixture) do(t *testing.T, method, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+authtest.Token(t, f.users[user].UserID))
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, rec.Code, body.Code)
	require.Equal(t, http.StatusText(rec.Code), body.Error)
	return body
}

func TestServer_RequiresAuthentication(t *testing.T) {
	f := setup(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/chat/start/bruno/"},
		{http.MethodGet, "/api/chat/conversations/"},
		{http.MethodGet, "/api/chat/conversations/1/messages/"},
	} {
		rec := f.do(t, tc.method, tc.path, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
		decodeError(t, rec)

		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		rec = httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestServer_StartConversation(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/chat/start/bruno/", "ana")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var created types.ConversationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, []string{"ana", "bruno"}, created.ParticipantUsernames)
	require.Nil(t, created.LastMessage)

	// The other participant starting the same chat gets the existing one.
	_, err := f.conversations.CreateMessage(context.Background(), created.ID, f.users["ana"], "hello")
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/chat/start/ana/", "bruno")
	require.Equal(t, http.StatusOK, rec.Code)

	var existing types.ConversationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &existing))
	require.Equal(t, created.ID, existing.ID)
	require.NotNil(t, existing.LastMessage)
	require.Equal(t, "hello", existing.LastMessage.Content)
}

func TestServer_StartConversationErrors(t *testing.T) {
	f := setup(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/chat/start/ana/", http.StatusBadRequest},
		{"/api/chat/start/nobody/", http.StatusNotFound},
		{"/api/chat/start/dormant/", http.StatusNotFound},
		{"/api/chat/start/" + strings.Repeat("x", 151) + "/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, tt.path, "ana")
		require.Equal(t, tt.status, rec.Code, tt.path)
		decodeError(t, rec)
	}

	rec := f.do(t, http.MethodGet, "/api/chat/start/bruno/", "ana")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ListConversations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/chat/conversations/", "ana")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	withBruno, _, err := f.conversations.StartConversation(ctx, f.users["ana"], "bruno")
	require.NoError(t, err)
	withCarla, _, err := f.conversations.StartConversation(ctx, f.users["ana"], "carla")
	require.NoError(t, err)

	// A message makes the bruno conversation the most recent.
	msg, err := f.conversations.CreateMessage(ctx, withBruno.ID, f.users["bruno"], "latest")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/chat/conversations/", "ana")
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []types.ConversationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	require.Equal(t, withBruno.ID, summaries[0].ID)
	require.Equal(t, withCarla.ID, summaries[1].ID)
	require.Nil(t, summaries[1].LastMessage)

	want := delivery.ToOutbound(msg)
	require.Equal(t, &want, summaries[0].LastMessage)

	rec = f.do(t, http.MethodGet, "/api/chat/conversations/", "carla")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
}

func TestServer_ListMessages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c, _, err := f.conversations.StartConversation(ctx, f.users["ana"], "bruno")
	require.NoError(t, err)
	first, err := f.conversations.CreateMessage(ctx, c.ID, f.users["ana"], "one")
	require.NoError(t, err)
	second, err := f.conversations.CreateMessage(ctx, c.ID, f.users["bruno"], "two")
	require.NoError(t, err)

	path := "/api/chat/conversations/" + c.ID.String() + "/messages/"
	rec := f.do(t, http.MethodGet, path, "bruno")
	require.Equal(t, http.StatusOK, rec.Code)

	// History frames are byte-identical to live frames.
	var frames []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frames))
	require.Len(t, frames, 2)
	for i, msg := range []*types.ChatMessage{first, second} {
		live, err := delivery.Encode(msg)
		require.NoError(t, err)
		require.JSONEq(t, string(live), string(frames[i]))
	}

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, path, "carla").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/chat/conversations/999/messages/", "ana").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/chat/conversations/abc/messages/", "ana").Code)
}

func TestServer_HealthCheck(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, 2, health.Sessions["total_sessions"])
	require.EqualValues(t, 1, health.Rooms["rooms"])

	unhealthy := NewServer(f.conversations, nil, failingHealth{}, fakeStats{}, fakeRooms{}, nil, discard)
	rec = httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "unhealthy", health.Status)
	require.Contains(t, health.Database, "database is closed")
}

func TestServer_CORS(t *testing.T) {
	f := setup(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/conversations/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	restricted := NewServer(f.conversations, nil, f.db, fakeStats{}, fakeRooms{}, []string{"https://app.example"}, discard)
	for origin, want := range map[string]string{
		"https://app.example":  "https://app.example",
		"https://evil.example": "",
	} {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat/conversations/", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		restricted.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestServer_Mount(t *testing.T) {
	f := setup(t)
	f.server.Mount("GET /ws/chat/{conversation}/{$}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/chat/1/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Empty(t, rec.Header().Get("Content-Type"), "mounted handlers skip the JSON middleware")

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/chat/1/not/a/chat/path", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RoutesAreAnchored(t *testing.T) {
	f := setup(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/chat/conversations/anything/else"},
		{http.MethodGet, "/api/chat/conversations/1/messages/extra/"},
		{http.MethodPost, "/api/chat/start/bruno/extra/"},
		{http.MethodOptions, "/api/chat/conversations/anything/else"},
	} {
		rec := f.do(t, tc.method, tc.path, "ana")
		require.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}
