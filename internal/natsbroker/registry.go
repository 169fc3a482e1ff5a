// Package natsbroker implements the room registry on a NATS server, so
// sessions served by different relay processes share rooms.
package natsbroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Config holds the broker connection settings
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	FlushTimeout  time.Duration
}

// Registry maps each local member to one NATS subscription on the subject
// of its room. NATS delivers messages of one subject to a subscription in
// publish order, one callback at a time.
type Registry struct {
	nc           *nats.Conn
	ownsConn     bool
	prefix       string
	flushTimeout time.Duration

	members map[string]*membership // address -> membership
	counts  map[types.RoomKey]int
	mu      sync.Mutex

	metrics *metrics.Instruments
	logger  *slog.Logger
}

type membership struct {
	room types.RoomKey
	sub  *nats.Subscription
}

var _ interfaces.RoomRegistry = (*Registry)(nil)

// Connect dials the NATS server in cfg and returns a registry that owns the
// connection.
func Connect(cfg Config, instruments *metrics.Instruments, logger *slog.Logger) (*Registry, error) {
	log := logger.With("component", "natsbroker")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected to NATS", "url", nc.ConnectedUrl())

	r := New(nc, cfg, instruments, logger)
	r.ownsConn = true
	return r, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, cfg Config, instruments *metrics.Instruments, logger *slog.Logger) *Registry {
	if instruments == nil {
		instruments = metrics.Noop()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "chat.rooms"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &Registry{
		nc:           nc,
		prefix:       cfg.SubjectPrefix,
		flushTimeout: cfg.FlushTimeout,
		members:      make(map[string]*membership),
		counts:       make(map[types.RoomKey]int),
		metrics:      instruments,
		logger:       logger.With("component", "natsbroker"),
	}
}

// Subject returns the NATS subject carrying room.
func (r *Registry) Subject(room types.RoomKey) string {
	return r.prefix + "." + string(room)
}

// Join subscribes sub to room. The subscription is confirmed by the server
// before Join returns, so a publish issued afterwards reaches sub.
func (r *Registry) Join(ctx context.Context, room types.RoomKey, sub *types.Subscriber) error {
	if sub == nil || sub.Address == "" || sub.Deliveries == nil {
		return ErrInvalidSubscriber
	}
	if !r.nc.IsConnected() {
		return ErrBrokerUnavailable
	}

	if joined, err := r.joined(room, sub.Address); joined || err != nil {
		return err
	}

	// Subscribe and flush run without r.mu held.
	address := sub.Address
	natsSub, err := r.nc.Subscribe(r.Subject(room), func(msg *nats.Msg) {
		if !sub.Offer(msg.Data) {
			r.metrics.DroppedDeliveries.Add(context.Background(), 1, metrics.Room(string(room)))
			r.logger.Warn("delivery dropped, mailbox full", "room", room, "address", address)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err := r.nc.FlushTimeout(r.flushTimeout); err != nil {
		_ = natsSub.Unsubscribe()
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	r.mu.Lock()
	if m, ok := r.members[address]; ok {
		r.mu.Unlock()
		// A concurrent join of the same address won.
		_ = natsSub.Unsubscribe()
		if m.room == room {
			return nil
		}
		return ErrAlreadyJoined
	}
	r.members[address] = &membership{room: room, sub: natsSub}
	r.counts[room]++
	r.mu.Unlock()

	r.metrics.RoomJoins.Add(ctx, 1, metrics.Room(string(room)))
	r.logger.Debug("joined room", "room", room, "address", address, "subject", natsSub.Subject)
	return nil
}

// joined reports whether address is already a member of room, or
// ErrAlreadyJoined when it is a member of another room.
func (r *Registry) joined(room types.RoomKey, address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[address]
	switch {
	case !ok:
		return false, nil
	case m.room != room:
		return false, ErrAlreadyJoined
	}
	return true, nil
}

// Leave drops the subscription of address. Unknown addresses are a no-op.
func (r *Registry) Leave(ctx context.Context, room types.RoomKey, address string) error {
	r.mu.Lock()
	m, ok := r.members[address]
	if !ok || m.room != room {
		r.mu.Unlock()
		return nil
	}
	delete(r.members, address)
	if r.counts[room]--; r.counts[room] <= 0 {
		delete(r.counts, room)
	}
	r.mu.Unlock()

	r.metrics.RoomLeaves.Add(ctx, 1, metrics.Room(string(room)))
	if err := m.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %s from %s: %w", address, room, err)
	}
	return nil
}

// Publish sends payload on the room subject.
func (r *Registry) Publish(ctx context.Context, room types.RoomKey, payload []byte) error {
	if err := r.nc.Publish(r.Subject(room), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", room, err)
	}
	r.metrics.Publishes.Add(ctx, 1, metrics.Room(string(room)))
	return nil
}

// Members returns the number of members of room served by this process.
func (r *Registry) Members(room types.RoomKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[room]
}

// ActiveRooms returns the number of rooms with local members.
func (r *Registry) ActiveRooms() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.counts))
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"connected": r.nc.IsConnected(),
		"rooms":     len(r.counts),
		"members":   len(r.members),
	}
}

// Close unsubscribes every member and closes the connection if the
// registry owns it.
func (r *Registry) Close() error {
	r.mu.Lock()
	for address, m := range r.members {
		_ = m.sub.Unsubscribe()
		delete(r.members, address)
	}
	r.counts = make(map[types.RoomKey]int)
	r.mu.Unlock()

	if r.ownsConn {
		r.nc.Close()
	}
	return nil
}
