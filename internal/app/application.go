package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"chatline/internal/api"
	"chatline/internal/auth"
	"chatline/internal/config"
	"chatline/internal/conversation"
	"chatline/internal/database"
	"chatline/internal/hub"
	"chatline/internal/metrics"
	"chatline/internal/natsbroker"
	"chatline/internal/router"
	"chatline/internal/websocket"
	"chatline/pkg/interfaces"
	pkgdatabase "chatline/pkg/database"
)

// roomBroker is what the application needs from either room registry.
type roomBroker interface {
	interfaces.RoomRegistry
	ActiveRooms() int64
	GetStats() map[string]interface{}
}

// Application coordinates all system components.
// Database → Conversations → Auth → Rooms → Router → WebSocket → API → HTTP
type Application struct {
	config        *config.Config
	logger        *slog.Logger
	metrics       *metrics.Instruments
	dbManager     *database.Manager
	conversations *conversation.Manager
	authenticator *auth.Authenticator
	rooms         roomBroker
	messageHub    *hub.Hub
	natsRooms     *natsbroker.Registry
	messageRouter *router.Router
	wsHandler     *websocket.Handler
	apiServer     *api.Server
	httpServer    *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewApplication creates a new application instance with all components
// initialized. Nothing listens or runs until Start.
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config:  cfg,
		logger:  logger.With("component", "app"),
		metrics: metrics.Default(),
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbConfig.WriteRetryDelay = cfg.Database.WriteRetryDelay

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	app.dbManager = dbManager
	app.conversations = conversation.NewManager(dbManager, logger)

	app.authenticator, err = auth.NewAuthenticator(auth.Config{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	}, dbManager, logger)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	switch cfg.Broker.Kind {
	case config.BrokerNATS:
		app.natsRooms, err = natsbroker.Connect(natsbroker.Config{
			URL:           cfg.Broker.NATSURL,
			SubjectPrefix: cfg.Broker.SubjectPrefix,
			Name:          "chatline",
		}, app.metrics, logger)
		if err != nil {
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		app.rooms = app.natsRooms
	default:
		app.messageHub = hub.NewHub(app.metrics, logger)
		app.rooms = app.messageHub
	}

	limiter := router.NewRateLimiter(cfg.RateLimit.Messages, cfg.RateLimit.Window)
	app.messageRouter = router.NewRouter(app.conversations, app.rooms, limiter, app.metrics, logger)

	app.wsHandler = websocket.NewHandler(context.Background(), websocket.Config{
		MailboxSize:      cfg.WebSocket.MailboxSize,
		ReadLimit:        cfg.WebSocket.ReadLimit,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		PongWait:         cfg.WebSocket.ReadTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		HandshakeTimeout: cfg.HTTP.ReadTimeout,
		LeaveTimeout:     cfg.WebSocket.WriteTimeout,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
	}, app.authenticator, app.conversations, app.rooms, app.messageRouter, app.metrics, logger)

	app.apiServer = api.NewServer(app.conversations, app.authenticator, dbManager,
		app.wsHandler, app.rooms, cfg.HTTP.AllowedOrigins, logger)
	app.apiServer.Mount(websocket.Pattern, http.HandlerFunc(app.wsHandler.HandleWebSocket))

	// Sessions set their own deadlines on every read and write, so these
	// only bound plain HTTP requests.
	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Address(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	if err := app.metrics.ObserveGauge("chat_active_rooms", "Rooms with at least one local member", app.rooms.ActiveRooms); err != nil {
		app.logger.Warn("active rooms gauge unavailable", "error", err)
	}
	if err := app.metrics.ObserveGauge("chat_sessions", "Joined websocket sessions", func() int64 {
		return int64(app.wsHandler.Sessions().Count())
	}); err != nil {
		app.logger.Warn("sessions gauge unavailable", "error", err)
	}

	return app, nil
}

// Start starts the room hub and the rate limiter cleanup, then begins
// serving HTTP. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	if app.messageHub != nil {
		if err := app.messageHub.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start message hub: %w", err)
		}
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		if app.messageHub != nil {
			_ = app.messageHub.Stop()
		}
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	app.cancel = cancel
	app.done = make(chan struct{})

	if app.config.RateLimit.Messages > 0 {
		go app.messageRouter.RunCleanup(runCtx, app.config.RateLimit.CleanupInterval)
	}

	go func() {
		defer close(app.done)
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()

	app.logger.Info("chatline started", "addr", listener.Addr().String(), "broker", app.config.Broker.Kind)
	return nil
}

// Stop shuts down in reverse dependency order: HTTP and sessions, rooms,
// database. Every step runs; their errors are joined.
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.logger.Info("shutting down chatline")
	var errs []error

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
		<-app.done
	}

	// Hijacked websocket connections are not covered by Shutdown.
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	if app.messageHub != nil {
		if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("message hub shutdown: %w", err))
		}
	}
	if app.cancel != nil {
		app.cancel()
	}
	if app.natsRooms != nil {
		if err := app.natsRooms.Close(); err != nil {
			errs = append(errs, fmt.Errorf("NATS shutdown: %w", err))
		}
	}

	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("chatline shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, the configured one
// before.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
