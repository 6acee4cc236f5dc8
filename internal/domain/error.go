package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrUnauthorized    = errors.New("owner does not match")
	ErrAuthRequired    = errors.New("authentication required")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStreamBusy      = errors.New("a completion stream is already in flight for this session")
)

// RemoteError is a non-success response from the completion endpoint.
// Status and body are logged; end users only ever see a generic message.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d", e.Status)
}

// TransportError is a network-level failure opening or reading the stream.
// Op distinguishes connection-time failures from mid-stream read failures.
type TransportError struct {
	Op  string // "connect" | "read"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigError signals a missing endpoint URL or credential. Fatal for the
// request, never retried.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration missing: %s", e.Field)
}
