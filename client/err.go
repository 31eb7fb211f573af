package client

import "errors"

var (
	// Config errors, detected before any I/O.
	ErrInvalidScheme = errors.New("unsupported uri scheme")
	ErrMissingHost   = errors.New("missing host in uri")
	ErrNoEndpoints   = errors.New("no endpoints provided")

	// Client protocol errors, detected locally before sending.
	ErrSubjectWhitespace = errors.New("subject can't contain whitespace")
	ErrQueueWhitespace   = errors.New("queue can't contain whitespace")

	// Server protocol errors. ErrServerProto wraps the offending line.
	ErrServerProto        = errors.New("unexpected server response")
	ErrIncompleteResponse = errors.New("incomplete server response")

	// ErrClusterUnreachable means every candidate endpoint failed in every
	// connect round.
	ErrClusterUnreachable = errors.New("the entire cluster is down or unreachable")
)
