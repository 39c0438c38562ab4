// Package omron drives Omron Intelli IT devices: the HEM-7361T blood pressure
// monitor and the HN-300T2 body scale. Both expose their memory as an EEPROM
// read and written with framed commands inside a start/end transaction.
package omron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/ble/crypto"
	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/session"
)

func init() {
	driver.Register(family.OmronHEM7361T, func(dev config.Device, deps driver.Deps) (driver.Driver, error) {
		return newDevice(dev, deps, hem7361t{})
	})
	driver.Register(family.OmronHN300T2, func(dev config.Device, deps driver.Deps) (driver.Driver, error) {
		return newDevice(dev, deps, hn300t2{})
	})
}

// gatt names the characteristics a model talks over.
type gatt struct {
	service string
	unlock  string // empty when the model has no unlock characteristic
	tx, rx  []string
	chunk   int // max bytes per TX write
}

// model is what differs between Omron devices.
type model interface {
	kind() family.Kind
	gatt() gatt
	codec() crypto.Omron
	// syncTime writes now, in loc, to the device clock.
	syncTime(ctx context.Context, l *link, now time.Time, loc *time.Location) error
	// readRecords reads and decodes every record slot.
	readRecords(ctx context.Context, l *link, loc *time.Location, logger *slog.Logger) (*driver.Batch, error)
}

// Device is a driver for one configured Omron device.
type Device struct {
	dev   config.Device
	info  family.Info
	deps  driver.Deps
	model model
}

var _ driver.Driver = (*Device)(nil)

func newDevice(dev config.Device, deps driver.Deps, m model) (*Device, error) {
	info, err := family.Lookup(m.kind())
	if err != nil {
		return nil, err
	}
	if info.RequiresSecret {
		if err := crypto.CheckSecret(dev.Key()); err != nil {
			return nil, fmt.Errorf("omron: %s: %v: %w", dev.ID, err, failure.ErrConfig)
		}
	}
	return &Device{dev: dev, info: info, deps: deps, model: m}, nil
}

func (d *Device) Kind() family.Kind { return d.model.kind() }

func (d *Device) logger() *slog.Logger { return d.deps.Logger }

// waitAdvertising blocks until the device advertises, bounded by the
// advertisement timeout.
func (d *Device) waitAdvertising(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.deps.AdvertisementTimeout)
	defer cancel()
	if err := d.deps.Adapter.WaitForAdvertisement(ctx, d.dev.Address, d.info.CompanyID); err != nil {
		return fmt.Errorf("omron: wait for advertisement: %w", err)
	}
	d.logger().Info("received advertisement, connecting")
	return nil
}

// transact runs fn inside an EEPROM transaction on an authenticated session.
func (d *Device) transact(ctx context.Context, s *session.Session, fn func(ctx context.Context, l *link) error) error {
	l, err := openLink(ctx, s, d.model.codec(), d.model.gatt())
	if err != nil {
		return err
	}
	return s.Transfer(ctx, func(ctx context.Context) error {
		if err := l.startTransaction(ctx); err != nil {
			return err
		}
		if err := fn(ctx, l); err != nil {
			return err
		}
		return l.endTransaction(ctx)
	})
}

// unlockChar discovers the unlock characteristic, or returns nil when the
// model has none.
func (d *Device) unlockChar(ctx context.Context, s *session.Session) (ble.Characteristic, error) {
	g := d.model.gatt()
	if g.unlock == "" {
		return nil, nil
	}
	return s.Discover(ctx, g.service, g.unlock)
}

func (d *Device) ReadMeasurements(ctx context.Context) (*driver.Batch, error) {
	if err := d.waitAdvertising(ctx); err != nil {
		return nil, err
	}

	var batch *driver.Batch
	err := session.Run(ctx, d.deps.Adapter, d.dev.Address, d.deps.Session, d.logger(), func(ctx context.Context, s *session.Session) error {
		if err := d.checkIdentity(ctx, s); err != nil {
			return err
		}
		unlock, err := d.unlockChar(ctx, s)
		if err != nil {
			return err
		}
		if err := s.Authenticate(ctx, d.model.codec(), d.dev.Key(), unlock); err != nil {
			return err
		}
		return d.transact(ctx, s, func(ctx context.Context, l *link) error {
			if err := d.model.syncTime(ctx, l, d.deps.Clock.Now(), d.dev.Location()); err != nil {
				return err
			}
			b, err := d.model.readRecords(ctx, l, d.dev.Location(), d.logger().With("session", s.ID()))
			batch = b
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (d *Device) SyncTime(ctx context.Context, now time.Time) error {
	if err := d.waitAdvertising(ctx); err != nil {
		return err
	}
	return session.Run(ctx, d.deps.Adapter, d.dev.Address, d.deps.Session, d.logger(), func(ctx context.Context, s *session.Session) error {
		if err := d.checkIdentity(ctx, s); err != nil {
			return err
		}
		unlock, err := d.unlockChar(ctx, s)
		if err != nil {
			return err
		}
		if err := s.Authenticate(ctx, d.model.codec(), d.dev.Key(), unlock); err != nil {
			return err
		}
		return d.transact(ctx, s, func(ctx context.Context, l *link) error {
			return d.model.syncTime(ctx, l, now, d.dev.Location())
		})
	})
}

// Pair registers secret with the device and sets its clock. The device must
// be in pairing mode, which is also when it advertises.
func (d *Device) Pair(ctx context.Context, secret []byte) error {
	codec := d.model.codec()
	if codec.RequiresSecret() {
		if err := crypto.CheckSecret(secret); err != nil {
			return fmt.Errorf("omron: pair: %v: %w", err, failure.ErrConfig)
		}
	}
	if err := d.waitAdvertising(ctx); err != nil {
		return err
	}
	return session.Run(ctx, d.deps.Adapter, d.dev.Address, d.deps.Session, d.logger(), func(ctx context.Context, s *session.Session) error {
		if err := d.checkIdentity(ctx, s); err != nil {
			return err
		}
		unlock, err := d.unlockChar(ctx, s)
		if err != nil {
			return err
		}
		if codec.RequiresSecret() {
			err = s.Register(ctx, codec, secret, unlock)
		} else {
			err = s.Authenticate(ctx, codec, nil, nil)
		}
		if err != nil {
			return err
		}
		return d.transact(ctx, s, func(ctx context.Context, l *link) error {
			return d.model.syncTime(ctx, l, d.deps.Clock.Now(), d.dev.Location())
		})
	})
}

// DeviceInfo is the content of the Device Information service.
type DeviceInfo struct {
	Manufacturer string
	Model        string
	Firmware     string
}

func readDeviceInfo(ctx context.Context, s *session.Session) (DeviceInfo, error) {
	read := func(uuid string) (string, error) {
		c, err := s.Discover(ctx, ble.DeviceInfoServiceUUID, uuid)
		if err != nil {
			return "", err
		}
		b, err := s.Read(ctx, c)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(b), "\x00 "), nil
	}

	var info DeviceInfo
	var err error
	if info.Manufacturer, err = read(ble.ManufacturerCharUUID); err != nil {
		return DeviceInfo{}, err
	}
	if info.Model, err = read(ble.ModelCharUUID); err != nil {
		return DeviceInfo{}, err
	}
	if info.Firmware, err = read(ble.FirmwareCharUUID); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// checkIdentity refuses to talk to a peripheral that is not the configured
// family.
func (d *Device) checkIdentity(ctx context.Context, s *session.Session) error {
	info, err := readDeviceInfo(ctx, s)
	if err != nil {
		return fmt.Errorf("omron: device information: %w", err)
	}
	if info.Manufacturer != d.info.Manufacturer || info.Model != d.info.Model {
		return fmt.Errorf("omron: %s reports %q %q, want %q %q: %w",
			s.Address(), info.Manufacturer, info.Model, d.info.Manufacturer, d.info.Model, failure.ErrUnknownDevice)
	}
	d.logger().Debug("device identified", "model", info.Model, "firmware", info.Firmware)
	return nil
}
