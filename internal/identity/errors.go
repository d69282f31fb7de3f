package identity

import "errors"

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrConflict     = errors.New("identity: conflict")
	ErrUnauthorized = errors.New("identity: unauthorized")
	ErrForbidden    = errors.New("identity: forbidden")
	ErrInvalidInput = errors.New("identity: invalid input")
	ErrRateLimited  = errors.New("identity: rate limited")
)
