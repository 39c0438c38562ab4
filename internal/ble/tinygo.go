package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// maxReadLen bounds a single characteristic read.
const maxReadLen = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ over D-Bus on Linux).
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	hub     *advertHub

	enableOnce sync.Once
	enableErr  error

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by normalized MAC
}

// NewTinyGoAdapter creates a BLE adapter on the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	a := &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
	a.hub = newAdvertHub(a.scan, a.adapter.StopScan)
	return a
}

// Enable powers on the adapter. Repeated calls return the first result.
func (a *TinyGoAdapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}

		// Route link-loss events to the connection that owns the address.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			mac := NormalizeAddress(device.Address.String())
			a.mu.Lock()
			conn, ok := a.connections[mac]
			a.mu.Unlock()
			if ok {
				conn.fireDisconnect()
			}
		})
	})
	return a.enableErr
}

func (a *TinyGoAdapter) scan(report func(Advertisement)) error {
	return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		}
		if md := result.ManufacturerData(); len(md) > 0 {
			adv.ManufacturerData = make(map[uint16][]byte, len(md))
			for _, el := range md {
				adv.ManufacturerData[el.CompanyID] = append([]byte(nil), el.Data...)
			}
		}
		report(adv)
	})
}

func (a *TinyGoAdapter) Scan(ctx context.Context, companyID uint16) ([]Device, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}
	return a.hub.collect(ctx, companyID), nil
}

func (a *TinyGoAdapter) WaitForAdvertisement(ctx context.Context, address string, companyID uint16) error {
	if err := a.Enable(); err != nil {
		return err
	}
	return a.hub.waitFor(ctx, address, companyID)
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}
	mac = NormalizeAddress(mac)

	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A connect that completes after we gave up must not leak the link.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, failure.ErrConnectTimeout)
		}
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %v: %w", mac, result.err, failure.ErrUnreachable)
		}
		device := result.device
		conn := &tinyGoConnection{mac: mac, device: &device, owner: a}

		a.mu.Lock()
		a.connections[mac] = conn
		a.mu.Unlock()

		slog.Debug("[BLE] connected", "mac", mac)
		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(conn *tinyGoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[conn.mac] == conn {
		delete(a.connections, conn.mac)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	mac    string
	device *bluetooth.Device
	owner  *TinyGoAdapter

	mu           sync.Mutex
	disconnectCb func()

	closeOnce sync.Once
	closeErr  error
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.closeOnce.Do(func() {
		c.owner.forget(c)
		c.closeErr = c.device.Disconnect()
	})
	return c.closeErr
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

var (
	_ Connection     = (*tinyGoConnection)(nil)
	_ Characteristic = (*tinyGoCharacteristic)(nil)
)

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
