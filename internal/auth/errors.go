package auth

import "errors"

var (
	ErrMissingSecret  = errors.New("jwt secret cannot be empty")
	ErrMissingToken   = errors.New("no token presented")
	ErrWrongTokenType = errors.New("token is not an access token")
	ErrMissingUserID  = errors.New("token carries no user id")
	ErrInactiveUser   = errors.New("user account is inactive")
)
