package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors crossing component boundaries
type ErrorKind uint8

const (
	// KindUnknown is an unclassified error
	KindUnknown ErrorKind = iota
	// KindTransient covers IO, RPC and object-store 5xx failures; retried
	// locally with bounded backoff before surfacing.
	KindTransient
	// KindStateExceeded covers memory-limiter and OOM failures; fails the
	// current epoch so meta can trigger recovery.
	KindStateExceeded
	// KindProtocol covers schema mismatches, mutations arriving in an
	// illegal operator state, and missing version pins; fatal for the actor.
	KindProtocol
	// KindUser covers bad SQL and bad configs; returned synchronously to
	// the frontend, never reaching the actor runtime.
	KindUser
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStateExceeded:
		return "state_exceeded"
	case KindProtocol:
		return "protocol"
	case KindUser:
		return "user"
	}
	return "unknown"
}

// ClassifiedError attaches an ErrorKind to an error
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure
func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// StateExceeded wraps err as a resource exhaustion failure
func StateExceeded(err error) error {
	return &ClassifiedError{Kind: KindStateExceeded, Err: err}
}

// Protocol wraps err as a protocol violation
func Protocol(err error) error {
	return &ClassifiedError{Kind: KindProtocol, Err: err}
}

// UserError wraps err as a user-facing error
func UserError(err error) error {
	return &ClassifiedError{Kind: KindUser, Err: err}
}

// Classify returns the kind of err, or KindUnknown
func Classify(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
