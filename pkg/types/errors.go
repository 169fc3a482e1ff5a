package types

import "errors"

var (
	ErrInvalidConversationRef = errors.New("conversation ref must be a positive integer")
	ErrInvalidRoomKey         = errors.New("room key does not name a conversation")
	ErrInvalidUsername        = errors.New("username must be 1-150 characters: letters, digits and @.+-_")
	ErrEmptyMessage           = errors.New("message text cannot be empty")
	ErrMessageTooLarge        = errors.New("message text exceeds 4096 characters")
	ErrMalformedFrame         = errors.New("frame is not a {\"message\": string} object")
)
