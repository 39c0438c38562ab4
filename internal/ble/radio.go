package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// Radio arbitrates one shared adapter between concurrent sessions. It caps
// the number of simultaneous links and serialises connection attempts, which
// most controllers cannot overlap. A connect that would exceed the cap fails
// immediately with failure.ErrRadioBusy.
type Radio struct {
	Adapter

	links      *semaphore.Weighted
	connecting *semaphore.Weighted
}

// NewRadio wraps adapter, allowing at most maxLinks open connections.
func NewRadio(adapter Adapter, maxLinks int) *Radio {
	if maxLinks < 1 {
		maxLinks = 1
	}
	return &Radio{
		Adapter:    adapter,
		links:      semaphore.NewWeighted(int64(maxLinks)),
		connecting: semaphore.NewWeighted(1),
	}
}

func (r *Radio) Connect(ctx context.Context, mac string) (Connection, error) {
	if !r.links.TryAcquire(1) {
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, failure.ErrRadioBusy)
	}

	if err := r.connecting.Acquire(ctx, 1); err != nil {
		r.links.Release(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, failure.ErrConnectTimeout)
		}
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, err)
	}
	conn, err := r.Adapter.Connect(ctx, mac)
	r.connecting.Release(1)
	if err != nil {
		r.links.Release(1)
		return nil, err
	}

	return &radioLink{Connection: conn, release: func() { r.links.Release(1) }}, nil
}

// Compile-time check that Radio implements Adapter.
var _ Adapter = (*Radio)(nil)

// radioLink returns its slot to the radio on the first Disconnect.
type radioLink struct {
	Connection
	release func()

	once sync.Once
	err  error
}

func (l *radioLink) Disconnect() error {
	l.once.Do(func() {
		l.err = l.Connection.Disconnect()
		l.release()
	})
	return l.err
}
