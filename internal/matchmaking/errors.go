package matchmaking

import "errors"

var (
	ErrNotLive             = errors.New("connection not live")
	ErrAlreadyRegistered   = errors.New("connection already registered")
	ErrTooManyConnections  = errors.New("too many connections")
	ErrNotPaired           = errors.New("connections are not paired")
	ErrInvalidConnectionID = errors.New("invalid connection id")
)
