package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// advertHub shares one radio scan between every caller interested in
// advertisements. The scan runs while at least one subscriber exists.
type advertHub struct {
	// scan blocks, delivering reports to the callback until stop is called.
	scan func(func(Advertisement)) error
	stop func() error

	mu      sync.Mutex
	subs    map[int]func(Advertisement)
	nextID  int
	running bool
	stopped bool          // stop requested for the current scan
	done    chan struct{} // closed when the most recent scan returns
}

func newAdvertHub(scan func(func(Advertisement)) error, stop func() error) *advertHub {
	return &advertHub{
		scan: scan,
		stop: stop,
		subs: make(map[int]func(Advertisement)),
	}
}

// subscribe registers fn for every advertisement seen and starts the scan if
// needed. The returned cancel func is idempotent.
func (h *advertHub) subscribe(fn func(Advertisement)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	if !h.running {
		h.running = true
		prev := h.done
		done := make(chan struct{})
		h.done = done
		go h.run(prev, done)
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *advertHub) unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	idle := len(h.subs) == 0 && h.running && !h.stopped
	if idle {
		h.stopped = true
	}
	h.mu.Unlock()

	if idle {
		h.requestStop()
	}
}

// requestStop ends the running scan. A scan that has not started yet refuses
// the request; dispatch repeats it once that scan delivers a report.
func (h *advertHub) requestStop() {
	if err := h.stop(); err != nil {
		slog.Debug("[BLE] stop scan", "error", err)
		h.mu.Lock()
		h.stopped = false
		h.mu.Unlock()
	}
}

func (h *advertHub) run(prev, done chan struct{}) {
	defer close(done)

	// The radio refuses a second scan while the previous one is winding down.
	if prev != nil {
		<-prev
	}

	for {
		h.mu.Lock()
		if len(h.subs) == 0 {
			h.running = false
			h.mu.Unlock()
			return
		}
		h.stopped = false
		h.mu.Unlock()

		slog.Debug("[BLE] scan started")
		if err := h.scan(h.dispatch); err != nil {
			slog.Warn("[BLE] scan ended", "error", err)
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
		slog.Debug("[BLE] scan stopped")
	}
}

func (h *advertHub) dispatch(adv Advertisement) {
	h.mu.Lock()
	if len(h.subs) == 0 {
		pending := !h.stopped
		h.stopped = true
		h.mu.Unlock()
		if pending {
			h.requestStop()
		}
		return
	}
	fns := make([]func(Advertisement), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(adv)
	}
}

// waitFor blocks until address advertises manufacturer data for companyID.
func (h *advertHub) waitFor(ctx context.Context, address string, companyID uint16) error {
	address = NormalizeAddress(address)
	seen := make(chan struct{}, 1)
	cancel := h.subscribe(func(adv Advertisement) {
		if NormalizeAddress(adv.Address) != address || !adv.HasCompany(companyID) {
			return
		}
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	defer cancel()

	select {
	case <-seen:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ble: %s: %w", address, failure.ErrNotAdvertising)
		}
		return ctx.Err()
	}
}

// collect gathers distinct peripherals advertising companyID until ctx is done.
func (h *advertHub) collect(ctx context.Context, companyID uint16) []Device {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	cancel := h.subscribe(func(adv Advertisement) {
		if !adv.HasCompany(companyID) {
			return
		}
		mac := NormalizeAddress(adv.Address)
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{Name: adv.Name, MAC: mac, RSSI: adv.RSSI})
	})
	<-ctx.Done()
	cancel()

	mu.Lock()
	defer mu.Unlock()
	return append([]Device(nil), devices...)
}
