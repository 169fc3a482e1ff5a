package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrAlreadyJoined     = errors.New("subscriber already joined to another room")
	ErrInvalidSubscriber = errors.New("subscriber needs an address and a mailbox")
)
