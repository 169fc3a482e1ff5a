package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrPersistFailed     = errors.New("message could not be stored")
	ErrPublishFailed     = errors.New("message stored but not published")
)
