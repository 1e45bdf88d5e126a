package uevent

import "codeberg.org/mutker/gpuctld/internal/errors"

const (
	ErrSocketFailed  = errors.ErrorCode("uevent_socket_failed")
	ErrReceiveFailed = errors.ErrorCode("uevent_receive_failed")
	ErrMalformed     = errors.ErrorCode("uevent_malformed")
	// ErrOverflow means the kernel dropped events because the receive
	// buffer was full.
	ErrOverflow = errors.ErrorCode("uevent_overflow")
)
