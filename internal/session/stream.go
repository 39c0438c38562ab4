package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// streamBuffer is how many undelivered notifications a stream holds before
// dropping new ones.
const streamBuffer = 64

// Stream delivers notifications from one characteristic in arrival order.
type Stream struct {
	uuid    string
	ch      chan []byte
	session *Session
}

func (st *Stream) deliver(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case st.ch <- cp:
	default:
		st.session.logger.Warn("[BLE] notification dropped, stream full", "char", st.uuid)
	}
}

// Next returns the next notification, waiting at most OperationTimeout.
func (st *Stream) Next(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, st.session.opts.OperationTimeout)
	defer cancel()

	select {
	case data := <-st.ch:
		return data, nil
	case <-st.session.linkLost:
		return nil, fmt.Errorf("session: notify %s: %w", st.uuid, failure.ErrLinkLost)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("session: notify %s: %w", st.uuid, failure.ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Drain discards notifications that arrived before the caller asked for
// them.
func (st *Stream) Drain() {
	for {
		select {
		case <-st.ch:
		default:
			return
		}
	}
}
