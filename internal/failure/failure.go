// Package failure defines the error taxonomy shared by the transport, codec,
// driver and scheduler layers. Lower layers wrap one of the sentinels below
// with as much context as they have; only the scheduler decides what to do
// with the resulting Class.
package failure

import (
	"context"
	"errors"
)

// Class groups errors by how the scheduler reacts to them.
type Class int

const (
	ClassNone      Class = iota
	ClassConfig          // invalid configuration, fatal at startup
	ClassTransport       // radio/link failures, retried with backoff
	ClassIdle            // device not advertising, re-poll without backoff
	ClassAuth            // secret rejected, skip until next cycle
	ClassDecode          // malformed payload
	ClassSink            // output write failure
	ClassInternal        // programming error or recovered panic
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfig:
		return "config"
	case ClassTransport:
		return "transport"
	case ClassIdle:
		return "idle"
	case ClassAuth:
		return "auth"
	case ClassDecode:
		return "decode"
	case ClassSink:
		return "sink"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the scheduler should retry within the same cycle.
func (c Class) Retryable() bool {
	return c == ClassTransport
}

// Sentinel errors.
var (
	ErrConfig = errors.New("configuration error")

	ErrUnreachable     = errors.New("device unreachable")
	ErrConnectTimeout  = errors.New("connect timed out")
	ErrTimeout         = errors.New("operation timed out")
	ErrWriteFailed     = errors.New("characteristic write failed")
	ErrDiscoveryFailed = errors.New("service discovery failed")
	ErrRadioBusy       = errors.New("radio busy")
	ErrLinkLost        = errors.New("link lost")

	ErrNotAdvertising = errors.New("device not advertising")

	ErrAuthRejected    = errors.New("authentication rejected")
	ErrPairingRejected = errors.New("pairing rejected")
	ErrUnknownDevice   = errors.New("unknown device")

	ErrMalformedPayload = errors.New("malformed payload")
	ErrEmptySlot        = errors.New("empty record slot")

	ErrSink = errors.New("sink write failed")

	ErrInternal = errors.New("internal error")
)

// ClassOf maps err to its Class. Errors that match no sentinel are treated as
// transport failures: an unknown radio error is more likely transient than not.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrConfig):
		return ClassConfig
	case errors.Is(err, ErrInternal):
		return ClassInternal
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrPairingRejected), errors.Is(err, ErrUnknownDevice):
		return ClassAuth
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrEmptySlot):
		return ClassDecode
	case errors.Is(err, ErrSink):
		return ClassSink
	case errors.Is(err, ErrNotAdvertising):
		return ClassIdle
	case errors.Is(err, context.Canceled):
		return ClassNone
	default:
		return ClassTransport
	}
}
