package core

import "errors"

var (
	ErrInitialization = errors.New("initialization error")
	ErrDevice         = errors.New("device error")
	ErrBind           = errors.New("bind error")
	ErrRegistration   = errors.New("registration error")
	ErrRoute          = errors.New("route error")
	ErrStart          = errors.New("start error")
	ErrTransport      = errors.New("transport error")
	ErrIO             = errors.New("i/o error")

	// ErrInterrupted is returned by blocking transport calls once the runtime
	// has been interrupted. It marks a clean termination, not a failure.
	ErrInterrupted = errors.New("interrupted")
)
