// Package ble is the transport layer: connecting to peripherals by address,
// discovering GATT characteristics, and reading, writing and subscribing to
// them. It surfaces raw transport failures and never retries; retry policy
// belongs to the scheduler.
package ble

import (
	"context"
	"strings"
)

// Device Information service (Bluetooth SIG assigned numbers).
const (
	DeviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	ManufacturerCharUUID  = "00002a29-0000-1000-8000-00805f9b34fb"
	ModelCharUUID         = "00002a24-0000-1000-8000-00805f9b34fb"
	FirmwareCharUUID      = "00002a26-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical string form.
	UUID() string
	// Read returns the current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic (write without response).
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Advertisement is one advertising report seen while scanning.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
	// ManufacturerData maps company identifiers to their payloads.
	ManufacturerData map[uint16][]byte
}

// HasCompany reports whether the advertisement carries manufacturer data for
// companyID.
func (a Advertisement) HasCompany(companyID uint16) bool {
	_, ok := a.ManufacturerData[companyID]
	return ok
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection. It is idempotent.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan collects peripherals advertising manufacturer data for companyID
	// until ctx is done.
	Scan(ctx context.Context, companyID uint16) ([]Device, error)
	// WaitForAdvertisement blocks until the peripheral at address advertises
	// manufacturer data for companyID, or ctx is done.
	WaitForAdvertisement(ctx context.Context, address string, companyID uint16) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// NormalizeAddress returns the canonical upper-case form of a MAC address.
func NormalizeAddress(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
