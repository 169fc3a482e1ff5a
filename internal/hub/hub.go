package hub

import (
	"context"
	"log/slog"
	"sync"

	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Hub is the in-process room registry. One goroutine owns the membership
// table and performs every join, leave and fan-out, so payloads of a room
// reach each member in the order the hub accepted them.
type Hub struct {
	// Replaced on every Start so requests queued before a Stop are never
	// served by a later run.
	loop *loop

	// Owned by the run goroutine.
	rooms     map[types.RoomKey]map[string]*types.Subscriber
	addresses map[string]types.RoomKey

	// Member counts mirrored for readers outside the run goroutine.
	sizes   map[types.RoomKey]int
	sizesMu sync.RWMutex

	metrics *metrics.Instruments
	logger  *slog.Logger

	running bool
	mu      sync.RWMutex
}

var _ interfaces.RoomRegistry = (*Hub)(nil)

type loop struct {
	joinChannel     chan *joinRequest
	leaveChannel    chan *leaveRequest
	publishChannel  chan *publishRequest
	shutdownChannel chan struct{}
	done            chan struct{}
}

func newLoop() *loop {
	return &loop{
		joinChannel:     make(chan *joinRequest, 100),
		leaveChannel:    make(chan *leaveRequest, 100),
		publishChannel:  make(chan *publishRequest, 1000),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
	}
}

type joinRequest struct {
	room   types.RoomKey
	sub    *types.Subscriber
	result chan error
}

type leaveRequest struct {
	room    types.RoomKey
	address string
	result  chan error
}

type publishRequest struct {
	room    types.RoomKey
	payload []byte
	result  chan error
}

// NewHub creates a stopped hub.
func NewHub(instruments *metrics.Instruments, logger *slog.Logger) *Hub {
	if instruments == nil {
		instruments = metrics.Noop()
	}
	return &Hub{
		sizes:   make(map[types.RoomKey]int),
		metrics: instruments,
		logger:  logger.With("component", "hub"),
	}
}

// Start launches the run loop. Membership starts empty. The hub stops when
// Stop is called or ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.loop = newLoop()
	h.rooms = make(map[types.RoomKey]map[string]*types.Subscriber)
	h.addresses = make(map[string]types.RoomKey)

	h.sizesMu.Lock()
	h.sizes = make(map[types.RoomKey]int)
	h.sizesMu.Unlock()

	h.logger.Info("starting room hub")
	go h.run(ctx, h.loop)
	return nil
}

// Stop ends the run loop and waits for it to exit. Requests in flight fail
// with ErrHubNotRunning.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	l := h.loop
	close(l.shutdownChannel)
	h.mu.Unlock()

	<-l.done
	h.logger.Info("room hub stopped")
	return nil
}

// IsRunning reports whether the hub accepts requests.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Join adds sub to room. Joining the same room again is a no-op; joining a
// second room with the same address fails with ErrAlreadyJoined.
func (h *Hub) Join(ctx context.Context, room types.RoomKey, sub *types.Subscriber) error {
	if sub == nil || sub.Address == "" || sub.Deliveries == nil {
		return ErrInvalidSubscriber
	}
	l, err := h.current()
	if err != nil {
		return err
	}
	req := &joinRequest{room: room, sub: sub, result: make(chan error, 1)}
	return submit(ctx, l, l.joinChannel, req, req.result)
}

// Leave removes address from room. Leaving a room one is not in is a no-op.
func (h *Hub) Leave(ctx context.Context, room types.RoomKey, address string) error {
	l, err := h.current()
	if err != nil {
		return err
	}
	req := &leaveRequest{room: room, address: address, result: make(chan error, 1)}
	return submit(ctx, l, l.leaveChannel, req, req.result)
}

// Publish delivers payload to every member of room and returns once each
// mailbox has been offered the payload.
func (h *Hub) Publish(ctx context.Context, room types.RoomKey, payload []byte) error {
	l, err := h.current()
	if err != nil {
		return err
	}
	req := &publishRequest{room: room, payload: payload, result: make(chan error, 1)}
	return submit(ctx, l, l.publishChannel, req, req.result)
}

// Members returns the number of members of room.
func (h *Hub) Members(room types.RoomKey) int {
	h.sizesMu.RLock()
	defer h.sizesMu.RUnlock()
	return h.sizes[room]
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.sizesMu.RLock()
	defer h.sizesMu.RUnlock()

	members := 0
	for _, n := range h.sizes {
		members += n
	}
	return map[string]interface{}{
		"running": h.IsRunning(),
		"rooms":   len(h.sizes),
		"members": members,
	}
}

// ActiveRooms returns the number of rooms with at least one member.
func (h *Hub) ActiveRooms() int64 {
	h.sizesMu.RLock()
	defer h.sizesMu.RUnlock()
	return int64(len(h.sizes))
}

func (h *Hub) current() (*loop, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil, ErrHubNotRunning
	}
	return h.loop, nil
}

// submit hands req to the run loop of l and waits for its result.
func submit[T any](ctx context.Context, l *loop, ch chan T, req T, result chan error) error {
	select {
	case ch <- req:
	case <-l.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run(ctx context.Context, l *loop) {
	defer close(l.done)

	for {
		select {
		case req := <-l.joinChannel:
			req.result <- h.handleJoin(ctx, req)

		case req := <-l.leaveChannel:
			h.handleLeave(ctx, req)
			req.result <- nil

		case req := <-l.publishChannel:
			h.handlePublish(ctx, req)
			req.result <- nil

		case <-l.shutdownChannel:
			h.logger.Debug("hub shutdown requested")
			return

		case <-ctx.Done():
			h.logger.Debug("hub context cancelled")
			h.mu.Lock()
			if h.loop == l {
				h.running = false
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleJoin(ctx context.Context, req *joinRequest) error {
	if current, ok := h.addresses[req.sub.Address]; ok {
		if current == req.room {
			return nil
		}
		return ErrAlreadyJoined
	}

	members, ok := h.rooms[req.room]
	if !ok {
		members = make(map[string]*types.Subscriber)
		h.rooms[req.room] = members
	}
	members[req.sub.Address] = req.sub
	h.addresses[req.sub.Address] = req.room
	h.setSize(req.room, len(members))

	h.metrics.RoomJoins.Add(ctx, 1, metrics.Room(string(req.room)))
	h.logger.Debug("joined room", "room", req.room, "address", req.sub.Address, "members", len(members))
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, req *leaveRequest) {
	members, ok := h.rooms[req.room]
	if !ok {
		return
	}
	if _, ok := members[req.address]; !ok {
		return
	}

	delete(members, req.address)
	delete(h.addresses, req.address)
	if len(members) == 0 {
		delete(h.rooms, req.room)
	}
	h.setSize(req.room, len(members))

	h.metrics.RoomLeaves.Add(ctx, 1, metrics.Room(string(req.room)))
	h.logger.Debug("left room", "room", req.room, "address", req.address, "members", len(members))
}

// handlePublish offers the payload to every member without blocking.
// A full mailbox loses this one delivery only.
func (h *Hub) handlePublish(ctx context.Context, req *publishRequest) {
	h.metrics.Publishes.Add(ctx, 1, metrics.Room(string(req.room)))

	for address, sub := range h.rooms[req.room] {
		if !sub.Offer(req.payload) {
			h.metrics.DroppedDeliveries.Add(ctx, 1, metrics.Room(string(req.room)))
			h.logger.Warn("delivery dropped, mailbox full", "room", req.room, "address", address)
		}
	}
}

func (h *Hub) setSize(room types.RoomKey, n int) {
	h.sizesMu.Lock()
	defer h.sizesMu.Unlock()
	if n == 0 {
		delete(h.sizes, room)
		return
	}
	h.sizes[room] = n
}
