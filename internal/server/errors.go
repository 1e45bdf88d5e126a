package server

import "codeberg.org/mutker/gpuctld/internal/errors"

const (
	ErrListenFailed   = errors.ErrorCode("server_listen_failed")
	ErrInvalidRequest = errors.ErrorCode("server_invalid_request")
	ErrEncodeFailed   = errors.ErrorCode("server_encode_failed")
)
