package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatline/internal/auth"
	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Config tunes the websocket transport.
type Config struct {
	MailboxSize      int
	ReadLimit        int64
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	// LeaveTimeout bounds the room leave on the way out.
	LeaveTimeout time.Duration
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the transport settings used in production.
func DefaultConfig() Config {
	return Config{
		MailboxSize:      100,
		ReadLimit:        16 * 1024,
		WriteTimeout:     5 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		LeaveTimeout:     5 * time.Second,
	}
}

// Pattern is the ServeMux pattern the handler serves. It matches
// /ws/chat/<ref>/ and nothing below it.
const Pattern = "GET /ws/chat/{conversation}/{$}"

// Router hands one inbound message to persistence and fan-out.
type Router interface {
	Route(ctx context.Context, ref types.ConversationRef, room types.RoomKey, author types.Identity, text string) (*types.ChatMessage, error)
}

// Handler runs the session state machine for every connection attempt on
// GET /ws/chat/{conversation}/.
type Handler struct {
	authenticator interfaces.Authenticator
	gateway       interfaces.MessageGateway
	rooms         interfaces.RoomRegistry
	router        Router
	sessions      *Registry
	upgrader      websocket.Upgrader
	config        Config
	metrics       *metrics.Instruments
	logger        *slog.Logger

	baseCtx  context.Context
	shutdown context.CancelFunc

	// closing is set by Shutdown. mu orders it with wg.Add.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a new WebSocket handler. Sessions live until their
// peer leaves or ctx is cancelled.
func NewHandler(ctx context.Context, config Config, authenticator interfaces.Authenticator, gateway interfaces.MessageGateway, rooms interfaces.RoomRegistry, router Router, instruments *metrics.Instruments, logger *slog.Logger) *Handler {
	if instruments == nil {
		instruments = metrics.Noop()
	}
	baseCtx, cancel := context.WithCancel(ctx)

	h := &Handler{
		authenticator: authenticator,
		gateway:       gateway,
		rooms:         rooms,
		router:        router,
		sessions:      NewRegistry(),
		config:        config,
		metrics:       instruments,
		logger:        logger.With("component", "websocket"),
		baseCtx:       baseCtx,
		shutdown:      cancel,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: config.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, r.Header.Get("Origin"))
}

// Sessions returns the directory of joined sessions.
func (h *Handler) Sessions() *Registry {
	return h.sessions
}

// HandleWebSocket takes one connection attempt from Connecting to either
// Joined or a rejected handshake. Rejections happen before the upgrade, as
// plain HTTP errors.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.isClosing() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ref, err := types.ParseConversationRef(r.PathValue("conversation"))
	if err != nil {
		http.Error(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}

	s := newSession(ref, h.config.MailboxSize)
	log := h.logger.With("session", s.ID, "conversation", ref)
	ctx := r.Context()

	// Connecting
	s.Identity = h.authenticator.Authenticate(ctx, auth.QueryToken(r))
	if s.Identity.IsAnonymous() {
		h.reject(ctx, w, s, log, http.StatusUnauthorized, "unauthenticated", "Authentication required")
		return
	}
	log = log.With("user", s.Identity.UserID)

	// Authorizing
	s.advance(StateAuthorizing)
	ok, err := h.gateway.IsParticipant(ctx, ref, s.Identity)
	switch {
	case errors.Is(err, interfaces.ErrConversationNotFound):
		h.reject(ctx, w, s, log, http.StatusNotFound, "not_found", "Conversation not found")
		return
	case err != nil:
		log.Error("participant lookup failed", "error", err)
		h.reject(ctx, w, s, log, http.StatusInternalServerError, "lookup_failed", "Authorization failed")
		return
	case !ok:
		h.reject(ctx, w, s, log, http.StatusForbidden, "not_participant", "Not a participant of this conversation")
		return
	}

	if err := h.rooms.Join(ctx, s.Room, s.sub); err != nil {
		log.Error("room join failed", "room", s.Room, "error", err)
		h.reject(ctx, w, s, log, http.StatusServiceUnavailable, "join_failed", "Chat temporarily unavailable")
		return
	}
	s.joined.Store(true)

	// The upgrader answers the client itself on failure.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		h.metrics.RejectedHandshakes.Add(ctx, 1, metrics.Reason("upgrade_failed"))
		h.close(s, log)
		return
	}

	s.conn = NewConnection(h.baseCtx, conn, s.sub.Deliveries, h.config, log)
	s.advance(StateJoined)

	if err := h.sessions.Register(s); err != nil {
		log.Error("session registration failed", "error", err)
		h.close(s, log)
		return
	}

	if !h.track() {
		log.Info("session closed by shutdown before serving")
		h.close(s, log)
		return
	}

	log.Info("session joined", "room", s.Room)
	go h.serve(s, log)
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing || h.baseCtx.Err() != nil
}

// track adds a session to the wait group unless Shutdown has begun.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing || h.baseCtx.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

// reject closes a session that never reached Joined.
func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, s *Session, log *slog.Logger, status int, reason, message string) {
	h.metrics.RejectedHandshakes.Add(ctx, 1, metrics.Reason(reason))
	log.Info("handshake rejected", "status", status, "reason", reason)
	http.Error(w, message, status)
	h.close(s, log)
}

// serve runs the inbound loop of a joined session. The outbound loop is
// the connection's writer.
func (h *Handler) serve(s *Session, log *slog.Logger) {
	defer h.wg.Done()
	defer h.close(s, log)

	err := s.conn.ReadLoop(func(data []byte) {
		h.receive(s, log, data)
	})
	if err != nil {
		log.Warn("websocket read error", "error", err)
	}
}

// receive handles one inbound text frame. Failures are logged and the
// session stays open.
func (h *Handler) receive(s *Session, log *slog.Logger, data []byte) {
	frame, err := types.DecodeInboundFrame(data)
	if err != nil {
		log.Debug("inbound frame dropped", "error", err)
		return
	}

	msg, err := h.router.Route(h.baseCtx, s.Ref, s.Room, s.Identity, frame.Message)
	if err != nil {
		if msg != nil {
			log.Error("stored message not delivered", "message_id", msg.ID, "error", err)
		} else {
			log.Error("message not stored", "error", err)
		}
	}
}

// close runs Closing and Closed. Safe to call more than once.
func (h *Handler) close(s *Session, log *slog.Logger) {
	if !s.advance(StateClosing) {
		return
	}

	if s.joined.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.LeaveTimeout)
		if err := h.rooms.Leave(ctx, s.Room, s.ID); err != nil {
			log.Warn("room leave failed", "room", s.Room, "error", err)
		}
		cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	h.sessions.Unregister(s)

	s.advance(StateClosed)
	if s.joined.Load() {
		log.Info("session closed", "duration", time.Since(s.CreatedAt))
	}
}

// Shutdown closes every session and waits for them to reach Closed or for
// ctx to end. New connection attempts are refused from here on. Each
// writer sends a going-away close frame first; sockets still open when
// ctx ends are closed outright.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.shutdown()
	h.logger.Info("closing sessions", "count", h.sessions.Count())

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if n := h.sessions.CloseAll(); n > 0 {
			h.logger.Warn("sessions closed without handshake", "count", n)
		}
		return ctx.Err()
	}
}

// GetStats returns websocket handler statistics
func (h *Handler) GetStats() map[string]int {
	return h.sessions.GetStats()
}
