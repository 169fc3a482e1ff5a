package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/samber/lo"

	"chatline/internal/auth"
	"chatline/internal/conversation"
	"chatline/internal/delivery"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Conversations is the conversation service behind the chat endpoints.
type Conversations interface {
	StartConversation(ctx context.Context, initiator types.Identity, username string) (*types.Conversation, bool, error)
	ListConversations(ctx context.Context, identity types.Identity) ([]conversation.Overview, error)
	ListMessages(ctx context.Context, ref types.ConversationRef, identity types.Identity) ([]*types.ChatMessage, error)
	LastMessage(ctx context.Context, ref types.ConversationRef) (*types.ChatMessage, error)
}

// HealthChecker reports whether the store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionStats is the session directory as seen by the health endpoint.
type SessionStats interface {
	GetStats() map[string]int
}

// RoomStats is the room registry as seen by the health endpoint.
type RoomStats interface {
	GetStats() map[string]interface{}
}

// Server is the HTTP surface next to the websocket relay: starting and
// listing conversations, reading history, and health.
type Server struct {
	conversations Conversations
	authenticator interfaces.Authenticator
	health        HealthChecker
	sessions      SessionStats
	rooms         RoomStats
	origins       []string
	logger        *slog.Logger
	startedAt     time.Time
	router        *http.ServeMux
}

type identityKey struct{}

// NewServer creates the HTTP server and its routes. An empty origins list
// allows any origin.
func NewServer(conversations Conversations, authenticator interfaces.Authenticator, health HealthChecker, sessions SessionStats, rooms RoomStats, origins []string, logger *slog.Logger) *Server {
	s := &Server{
		conversations: conversations,
		authenticator: authenticator,
		health:        health,
		sessions:      sessions,
		rooms:         rooms,
		origins:       origins,
		logger:        logger.With("component", "api"),
		startedAt:     time.Now(),
		router:        http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Paths end in {$} so nothing below a route matches it.
	api := func(method, path string, h http.HandlerFunc) {
		s.router.Handle(method+" "+path+"{$}", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(h))))
		s.router.Handle("OPTIONS "+path+"{$}", s.corsMiddleware(http.NotFoundHandler()))
	}

	api(http.MethodPost, "/api/chat/start/{username}/", s.startConversation)
	api(http.MethodGet, "/api/chat/conversations/", s.listConversations)
	api(http.MethodGet, "/api/chat/conversations/{id}/messages/", s.listMessages)
	s.router.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// Mount serves handler on pattern outside the JSON API middleware. The
// websocket endpoint is mounted this way.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Sessions  map[string]int         `json:"sessions"`
	Rooms     map[string]interface{} `json:"rooms"`
	Uptime    string                 `json:"uptime"`
}

// POST /api/chat/start/{username}/
func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	c, created, err := s.conversations.StartConversation(r.Context(), identity, r.PathValue("username"))
	switch {
	case errors.Is(err, types.ErrInvalidUsername):
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, conversation.ErrSelfConversation):
		s.sendError(w, "You cannot start a conversation with yourself", http.StatusBadRequest)
		return
	case errors.Is(err, interfaces.ErrUserNotFound), errors.Is(err, conversation.ErrInactiveUser):
		s.sendError(w, "User not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("start conversation failed", "user", identity.UserID, "error", err)
		s.sendError(w, "Failed to start conversation", http.StatusInternalServerError)
		return
	}

	var last *types.ChatMessage
	if !created {
		if last, err = s.conversations.LastMessage(r.Context(), c.ID); err != nil {
			s.logger.Error("last message lookup failed", "conversation", c.ID, "error", err)
			s.sendError(w, "Failed to start conversation", http.StatusInternalServerError)
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, delivery.Summarize(c, last))
}

// GET /api/chat/conversations/
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	overviews, err := s.conversations.ListConversations(r.Context(), identity)
	if err != nil {
		s.logger.Error("list conversations failed", "user", identity.UserID, "error", err)
		s.sendError(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}

	summaries := lo.Map(overviews, func(o conversation.Overview, _ int) types.ConversationSummary {
		return delivery.Summarize(o.Conversation, o.LastMessage)
	})
	s.sendJSON(w, http.StatusOK, summaries)
}

// GET /api/chat/conversations/{id}/messages/
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	ref, err := types.ParseConversationRef(r.PathValue("id"))
	if err != nil {
		s.sendError(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}

	messages, err := s.conversations.ListMessages(r.Context(), ref, identity)
	switch {
	case errors.Is(err, interfaces.ErrConversationNotFound):
		s.sendError(w, "Conversation not found", http.StatusNotFound)
		return
	case errors.Is(err, interfaces.ErrNotParticipant):
		s.sendError(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	case err != nil:
		s.logger.Error("list messages failed", "conversation", ref, "error", err)
		s.sendError(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}

	// Same encoder as live delivery, so history and live frames match.
	body, err := delivery.EncodeAll(messages)
	if err != nil {
		s.logger.Error("encode messages failed", "conversation", ref, "error", err)
		s.sendError(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		Sessions:  s.sessions.GetStats(),
		Rooms:     s.rooms.GetStats(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// sendError writes the error body shared by every endpoint.
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.origins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case slices.Contains(s.origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the bearer token and refuses anonymous callers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := s.authenticator.Authenticate(r.Context(), auth.BearerToken(r))
		if identity.IsAnonymous() {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chatline"`)
			s.sendError(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func identityFrom(ctx context.Context) types.Identity {
	identity, _ := ctx.Value(identityKey{}).(types.Identity)
	return identity
}
