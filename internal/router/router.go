package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatline/internal/delivery"
	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Router carries one inbound message from a session to its room: store it
// through the gateway, encode the stored row, publish the encoding. Nothing
// is published for a message that was not stored.
type Router struct {
	gateway     interfaces.MessageGateway
	registry    interfaces.RoomRegistry
	rateLimiter *RateLimiter
	metrics     *metrics.Instruments
	logger      *slog.Logger
}

// NewRouter creates a new message router
func NewRouter(gateway interfaces.MessageGateway, registry interfaces.RoomRegistry, limiter *RateLimiter, instruments *metrics.Instruments, logger *slog.Logger) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, time.Minute)
	}
	if instruments == nil {
		instruments = metrics.Noop()
	}
	return &Router{
		gateway:     gateway,
		registry:    registry,
		rateLimiter: limiter,
		metrics:     instruments,
		logger:      logger.With("component", "router"),
	}
}

// Route stores text as a message of ref by author and publishes it to room.
// On a publish failure the stored message is still returned alongside the
// error.
func (r *Router) Route(ctx context.Context, ref types.ConversationRef, room types.RoomKey, author types.Identity, text string) (*types.ChatMessage, error) {
	if !r.rateLimiter.Allow(author.UserID) {
		return nil, ErrRateLimitExceeded
	}

	msg, err := r.gateway.CreateMessage(ctx, ref, author, text)
	if err != nil {
		if errors.Is(err, types.ErrEmptyMessage) || errors.Is(err, types.ErrMessageTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	r.metrics.PersistedMessages.Add(ctx, 1, metrics.Room(string(room)))

	payload, err := delivery.Encode(msg)
	if err != nil {
		return msg, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if err := r.registry.Publish(ctx, room, payload); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	r.logger.Debug("message routed", "room", room, "message_id", msg.ID, "author", author.UserID)
	return msg, nil
}

// RunCleanup evicts idle rate limiter state every interval until ctx ends.
// A non-positive interval disables cleanup.
func (r *Router) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn("rate limiter cleanup disabled", "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.rateLimiter.Cleanup(); n > 0 {
				r.logger.Debug("rate limiter cleanup", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// GetStats returns router statistics
func (r *Router) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"rate_limited_users": r.rateLimiter.Tracked(),
	}
}
