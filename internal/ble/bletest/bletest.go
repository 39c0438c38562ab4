// Package bletest provides in-memory fakes of the ble interfaces for tests.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// Characteristic records writes and allows subscribing.
type Characteristic struct {
	uuid string

	mu       sync.Mutex
	value    []byte
	writes   [][]byte
	callback func([]byte)
	onWrite  func(data []byte) error
	readErr  error
}

// NewCharacteristic returns a characteristic with the given UUID.
func NewCharacteristic(uuid string) *Characteristic {
	return &Characteristic{uuid: strings.ToLower(uuid)}
}

func (c *Characteristic) UUID() string { return c.uuid }

func (c *Characteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.value...), nil
}

func (c *Characteristic) Write(data []byte) error {
	cp := append([]byte(nil), data...)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		return hook(cp)
	}
	return nil
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SetValue sets what Read returns.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// FailReads makes every Read return err.
func (c *Characteristic) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// OnWrite installs a hook run after each write is recorded. Its error is
// returned from Write.
func (c *Characteristic) OnWrite(hook func(data []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = hook
}

// Notify sends a notification to the subscriber, if any.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(append([]byte(nil), data...))
	}
}

// Subscribed reports whether a subscriber is registered.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Writes returns a copy of everything written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

var _ ble.Characteristic = (*Characteristic)(nil)

// Peripheral is a simulated device with a fixed GATT table.
type Peripheral struct {
	Address string
	Name    string

	mu          sync.Mutex
	chars       map[string]*Characteristic
	companies   map[uint16]bool
	connectErrs []error
	hang        bool
	discoverErr error
	current     *Connection
}

// NewPeripheral returns a peripheral at address with no characteristics.
func NewPeripheral(address string) *Peripheral {
	return &Peripheral{
		Address:   ble.NormalizeAddress(address),
		chars:     make(map[string]*Characteristic),
		companies: make(map[uint16]bool),
	}
}

func charKey(service, char string) string {
	return strings.ToLower(service) + "/" + strings.ToLower(char)
}

// AddCharacteristic adds a characteristic to the GATT table.
func (p *Peripheral) AddCharacteristic(service, char string) *Characteristic {
	c := NewCharacteristic(char)
	p.mu.Lock()
	p.chars[charKey(service, char)] = c
	p.mu.Unlock()
	return c
}

// Characteristic returns a previously added characteristic, or nil.
func (p *Peripheral) Characteristic(service, char string) *Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars[charKey(service, char)]
}

// Advertise makes the peripheral advertise manufacturer data for companyID.
func (p *Peripheral) Advertise(companyID uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.companies[companyID] = true
}

// StopAdvertising clears every advertised company.
func (p *Peripheral) StopAdvertising() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.companies = make(map[uint16]bool)
}

func (p *Peripheral) advertises(companyID uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.companies[companyID]
}

// FailConnects queues errors returned by the next connects, in order.
func (p *Peripheral) FailConnects(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErrs = append(p.connectErrs, errs...)
}

// HangConnects makes connects block until the caller's context is done.
func (p *Peripheral) HangConnects(hang bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang = hang
}

// FailDiscovery makes characteristic discovery return err.
func (p *Peripheral) FailDiscovery(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
}

// Drop simulates the peripheral going out of range on the current connection.
func (p *Peripheral) Drop() {
	p.mu.Lock()
	conn := p.current
	p.mu.Unlock()
	if conn != nil {
		conn.drop()
	}
}

// Adapter simulates the BLE adapter with a set of peripherals.
type Adapter struct {
	mu          sync.Mutex
	peripherals map[string]*Peripheral
	connects    int
	open        int
	enableErr   error
}

// NewAdapter returns an adapter that can reach the given peripherals.
func NewAdapter(ps ...*Peripheral) *Adapter {
	a := &Adapter{peripherals: make(map[string]*Peripheral)}
	for _, p := range ps {
		a.peripherals[p.Address] = p
	}
	return a
}

// FailEnable makes Enable return err.
func (a *Adapter) FailEnable(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableErr = err
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableErr
}

func (a *Adapter) Scan(ctx context.Context, companyID uint16) ([]ble.Device, error) {
	a.mu.Lock()
	var devices []ble.Device
	for _, p := range a.peripherals {
		if p.advertises(companyID) {
			devices = append(devices, ble.Device{Name: p.Name, MAC: p.Address, RSSI: -50})
		}
	}
	a.mu.Unlock()
	return devices, nil
}

func (a *Adapter) WaitForAdvertisement(ctx context.Context, address string, companyID uint16) error {
	a.mu.Lock()
	p := a.peripherals[ble.NormalizeAddress(address)]
	a.mu.Unlock()
	if p != nil && p.advertises(companyID) {
		return nil
	}
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("bletest: %s: %w", address, failure.ErrNotAdvertising)
	}
	return ctx.Err()
}

func (a *Adapter) Connect(ctx context.Context, mac string) (ble.Connection, error) {
	mac = ble.NormalizeAddress(mac)
	a.mu.Lock()
	a.connects++
	p := a.peripherals[mac]
	a.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("bletest: connect to %s: %w", mac, failure.ErrUnreachable)
	}

	p.mu.Lock()
	hang := p.hang
	var queued error
	if len(p.connectErrs) > 0 {
		queued = p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
	}
	p.mu.Unlock()

	if queued != nil {
		return nil, queued
	}
	if hang {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("bletest: connect to %s: %w", mac, failure.ErrConnectTimeout)
		}
		return nil, ctx.Err()
	}

	conn := &Connection{p: p, adapter: a}
	p.mu.Lock()
	p.current = conn
	p.mu.Unlock()
	a.mu.Lock()
	a.open++
	a.mu.Unlock()
	return conn, nil
}

// Connects returns the number of connection attempts made.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// OpenConnections returns the number of connections not yet disconnected.
func (a *Adapter) OpenConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

var _ ble.Adapter = (*Adapter)(nil)

// Connection is a simulated link to a Peripheral.
type Connection struct {
	p       *Peripheral
	adapter *Adapter

	mu           sync.Mutex
	disconnectCb func()
	closed       bool
	lost         bool
	disconnects  int
}

func (c *Connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	c.mu.Lock()
	lost := c.lost
	c.mu.Unlock()
	if lost {
		return nil, fmt.Errorf("bletest: discover: %w", failure.ErrLinkLost)
	}

	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.discoverErr != nil {
		return nil, c.p.discoverErr
	}
	ch, ok := c.p.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		return nil, fmt.Errorf("bletest: characteristic %s/%s not found", serviceUUID, charUUID)
	}
	return ch, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.adapter.mu.Lock()
		c.adapter.open--
		c.adapter.mu.Unlock()
	}
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Connection) drop() {
	c.mu.Lock()
	c.lost = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

var _ ble.Connection = (*Connection)(nil)
