package interfaces

import "errors"

// Common errors shared by storage and gateway implementations
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotParticipant       = errors.New("user is not a participant of this conversation")
)
