package mls

import "errors"

// Every error returned by this package wraps one of the values below, so that
// callers can classify failures with errors.Is.
var (
	ErrInvalidArg       = errors.New("invalid argument")
	ErrCrypto           = errors.New("crypto error")
	ErrTLSCodec         = errors.New("tls codec error")
	ErrMLS              = errors.New("mls error")
	ErrKeyPackage       = errors.New("invalid key package")
	ErrSignature        = errors.New("signature verification failed")
	ErrValidation       = errors.New("validation failed")
	ErrDeserialization  = errors.New("deserialization failed")
	ErrUnsupported      = errors.New("unsupported")
	ErrWrongGroupID     = errors.New("wrong group id")
	ErrWrongEpoch       = errors.New("wrong epoch")
	ErrUseAfterEviction = errors.New("use after eviction")
	ErrWelcomeInvalid   = errors.New("invalid welcome")
	ErrWelcomeNotFound  = errors.New("no matching entry in welcome")
	ErrKeyNotFound      = errors.New("key not found")
	ErrProcessMessage   = errors.New("message processing failed")
	ErrInternal         = errors.New("internal error")
	ErrNotImplemented   = errors.New("not implemented")

	// Informational: the message was sent by this member.
	ErrOwnMessage = errors.New("own message")

	// Informational: the message is the echo of our own staged commit.
	ErrOwnCommitPending = errors.New("own commit pending")
)
