package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"config", fmt.Errorf("config: devices[0]: %w", ErrConfig), ClassConfig},
		{"connect timeout", fmt.Errorf("ble: connect: %w", ErrConnectTimeout), ClassTransport},
		{"write failed", fmt.Errorf("ble: write: %w", ErrWriteFailed), ClassTransport},
		{"radio busy", ErrRadioBusy, ClassTransport},
		{"unknown error", errors.New("org.bluez.Error.Failed"), ClassTransport},
		{"not advertising", fmt.Errorf("wait: %w", ErrNotAdvertising), ClassIdle},
		{"auth rejected", fmt.Errorf("unlock: %w", ErrAuthRejected), ClassAuth},
		{"pairing rejected", ErrPairingRejected, ClassAuth},
		{"unknown device", ErrUnknownDevice, ClassAuth},
		{"malformed", fmt.Errorf("record: %w", ErrMalformedPayload), ClassDecode},
		{"sink", fmt.Errorf("influx: %w", ErrSink), ClassSink},
		{"internal", fmt.Errorf("session: panic: %w", ErrInternal), ClassInternal},
		{"cancelled", fmt.Errorf("wait: %w", context.Canceled), ClassNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassOfPrefersMostSpecific(t *testing.T) {
	// A timeout during authentication is still a transport failure, but an
	// explicit rejection wrapped alongside a transport error is an auth failure.
	err := fmt.Errorf("%w: %w", ErrAuthRejected, ErrTimeout)
	if got := ClassOf(err); got != ClassAuth {
		t.Errorf("ClassOf() = %v, want %v", got, ClassAuth)
	}
}

func TestRetryable(t *testing.T) {
	if !ClassTransport.Retryable() {
		t.Error("transport failures should be retryable")
	}
	for _, c := range []Class{ClassAuth, ClassDecode, ClassConfig, ClassIdle, ClassSink, ClassInternal} {
		if c.Retryable() {
			t.Errorf("%v should not be retryable", c)
		}
	}
}
