package websocket

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatline/pkg/types"
)

// State is a point in a session's lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the server side of one connection attempt. It is created in
// Connecting and discarded in Closed; a reconnect is a new Session.
type Session struct {
	ID        string
	Ref       types.ConversationRef
	Room      types.RoomKey
	Identity  types.Identity
	CreatedAt time.Time

	sub    *types.Subscriber
	conn   *Connection
	state  atomic.Int32
	joined atomic.Bool
}

func newSession(ref types.ConversationRef, mailbox int) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		Ref:       ref,
		Room:      types.RoomKeyFor(ref),
		CreatedAt: time.Now(),
		sub:       types.NewSubscriber(id, mailbox),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the session forward. States never go backwards, so a
// late transition after Closing is ignored.
func (s *Session) advance(to State) bool {
	for {
		from := s.state.Load()
		if State(from) >= to {
			return false
		}
		if s.state.CompareAndSwap(from, int32(to)) {
			return true
		}
	}
}
