package conversation

import "errors"

var (
	ErrAnonymousAuthor  = errors.New("anonymous identities cannot take part in conversations")
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrInactiveUser     = errors.New("user account is inactive")
)
