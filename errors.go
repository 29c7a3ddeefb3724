package tractor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHash means the attached hash does not match the blueprint.
	ErrInvalidHash = errors.New("blueprint hash mismatch")
	// ErrInvalidSignature means neither the key nor the delegated path
	// authorized the hash.
	ErrInvalidSignature = errors.New("invalid blueprint signature")
	// ErrNotActive means the current time is outside the validity window.
	ErrNotActive = errors.New("blueprint not active")
	// ErrCeilingReached means the blueprint is exhausted or destroyed.
	ErrCeilingReached = errors.New("blueprint use ceiling reached")
	// ErrUnauthorized means the caller may not perform the operation.
	ErrUnauthorized = errors.New("caller is not the blueprint publisher")
	// ErrUnknownType means no executor is registered for the payload tag.
	ErrUnknownType = errors.New("unknown payload type")
	// ErrMalformedPayload means the payload cannot be framed.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrDispatch is matched by every *DispatchError.
	ErrDispatch = errors.New("dispatch failed")
	// ErrDelegationDepth means delegated verification nested too deeply.
	ErrDelegationDepth = errors.New("delegated verification too deep")
	// ErrReentrantUse means an effect tried to use the blueprint that is
	// currently executing it.
	ErrReentrantUse = errors.New("re-entrant blueprint use")
)

// DispatchError wraps a failure returned by an external executor.
type DispatchError struct {
	Tag byte
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("executor for payload type 0x%02x failed: %v", e.Tag, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is reports ErrDispatch as a match so callers need not type-assert.
func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// Reason returns a stable label for err, used in logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidHash):
		return "invalid_hash"
	case errors.Is(err, ErrDelegationDepth):
		return "delegation_depth"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrCeilingReached):
		return "ceiling_reached"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrReentrantUse):
		return "reentrant_use"
	case errors.Is(err, ErrDispatch):
		return "dispatch_error"
	default:
		return "internal"
	}
}
