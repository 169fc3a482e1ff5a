package natsbroker

import "errors"

var (
	ErrBrokerUnavailable = errors.New("nats connection is not available")
	ErrAlreadyJoined     = errors.New("subscriber already joined to another room")
	ErrInvalidSubscriber = errors.New("subscriber needs an address and a mailbox")
)
