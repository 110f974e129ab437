package marmot

import (
	"errors"
)

var (
	ErrGroupNotFound     = errors.New("group not found")
	ErrMediaDecrypt      = errors.New("media decryption failed")
	ErrMediaHashMismatch = errors.New("media hash mismatch")
	ErrStorage           = errors.New("storage error")
	ErrInvalidEvent      = errors.New("invalid event")
)
