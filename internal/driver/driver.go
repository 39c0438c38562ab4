// Package driver defines the uniform device contract the scheduler and the
// operator commands use, and the registry each device family adds itself to.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/record"
	"github.com/chaz8081/vitals-bridge/internal/session"
)

// Batch is the result of one successful read.
type Batch struct {
	// Measurements in device order, oldest slot first.
	Measurements []record.Measurement
	// Dropped counts stored records that failed to decode.
	Dropped int
}

// Driver talks to one configured device. A Driver runs at most one session
// at a time; callers must not invoke its methods concurrently.
type Driver interface {
	// Kind returns the device family.
	Kind() family.Kind
	// Pair registers secret with the device. The device must be in pairing
	// mode.
	Pair(ctx context.Context, secret []byte) error
	// ReadMeasurements reads every stored record. The device clock is
	// synchronised in the same session.
	ReadMeasurements(ctx context.Context) (*Batch, error)
	// SyncTime sets the device clock to now in the device's time zone.
	SyncTime(ctx context.Context, now time.Time) error
}

// Deps are the shared collaborators a driver is built with.
type Deps struct {
	Adapter ble.Adapter
	Session session.Options
	// AdvertisementTimeout bounds the wait for the device to advertise
	// before each session.
	AdvertisementTimeout time.Duration
	Clock                clock.Clock
	Logger               *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.AdvertisementTimeout <= 0 {
		d.AdvertisementTimeout = 10 * time.Minute
	}
	return d
}

// Factory builds a driver for one device.
type Factory func(dev config.Device, deps Deps) (Driver, error)

var (
	mu        sync.RWMutex
	factories = make(map[family.Kind]Factory)
)

// Register makes a driver factory available for kind. It panics if called
// twice for the same kind or with a nil factory.
func Register(kind family.Kind, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("driver: Register factory is nil")
	}
	if _, dup := factories[kind]; dup {
		panic("driver: Register called twice for " + string(kind))
	}
	factories[kind] = f
}

// New builds the driver for dev.
func New(dev config.Device, deps Deps) (Driver, error) {
	mu.RLock()
	f, ok := factories[dev.Driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("driver: no driver registered for %q (registered: %v)", dev.Driver, Registered())
	}
	deps = deps.withDefaults()
	deps.Logger = deps.Logger.With("device", dev.ID, "driver", string(dev.Driver))
	return f(dev, deps)
}

// Registered returns the kinds with a registered factory, sorted.
func Registered() []family.Kind {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]family.Kind, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
