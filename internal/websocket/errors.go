package websocket

import "errors"

// Registry-related errors
var (
	ErrNilSession       = errors.New("session cannot be nil")
	ErrSessionNotJoined = errors.New("session must be joined before registration")
	ErrDuplicateAddress = errors.New("session address already registered")
)
