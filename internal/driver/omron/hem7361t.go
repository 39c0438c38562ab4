package omron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/vitals-bridge/internal/ble/crypto"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/record"
)

// HEM-7361T GATT layout.
const (
	HEMService    = "ecbe3980-c9a2-11e1-b1bd-0002a5d5c51b"
	HEMUnlockChar = "b305b680-aee7-11e1-a730-0002a5d5c51b"
)

var (
	HEMTXChars = []string{
		"db5b55e0-aee7-11e1-965e-0002a5d5c51b",
		"e0b8a060-aee7-11e1-92f4-0002a5d5c51b",
		"0ae12b00-aee8-11e1-a192-0002a5d5c51b",
		"10e1ba60-aee8-11e1-89e5-0002a5d5c51b",
	}
	HEMRXChars = []string{
		"49123040-aee8-11e1-a74d-0002a5d5c51b",
		"4d0bf320-aee8-11e1-a0d9-0002a5d5c51b",
		"5128ce60-aee8-11e1-b84b-0002a5d5c51b",
		"560f1420-aee8-11e1-8184-0002a5d5c51b",
	}
)

// HEM-7361T memory map.
const (
	hemChunk = 0x10

	hemClockRead  uint16 = 0x003c
	hemClockWrite uint16 = 0x0080

	hemSlotsPerUser = 100
)

// hemUserBanks holds the first record address of each user's memory bank.
var hemUserBanks = []uint16{0x0098, 0x06d8}

type hem7361t struct{}

func (hem7361t) kind() family.Kind { return family.OmronHEM7361T }

func (hem7361t) gatt() gatt {
	return gatt{
		service: HEMService,
		unlock:  HEMUnlockChar,
		tx:      HEMTXChars,
		rx:      HEMRXChars,
		chunk:   hemChunk,
	}
}

func (hem7361t) codec() crypto.Omron { return crypto.Omron{Unlock: true} }

// syncTime patches the clock bytes of the settings block in place.
func (hem7361t) syncTime(ctx context.Context, l *link, now time.Time, loc *time.Location) error {
	current, ok, err := l.readEEPROM(ctx, hemClockRead, record.BloodPressureClockLen, record.BloodPressureClockLen)
	if err != nil {
		return fmt.Errorf("omron: read clock: %w", err)
	}
	if !ok {
		return fmt.Errorf("omron: clock block unreadable: %w", failure.ErrMalformedPayload)
	}
	block, err := record.EncodeBloodPressureClock(current, now, loc)
	if err != nil {
		return err
	}
	if err := l.writeEEPROM(ctx, hemClockWrite, block, record.BloodPressureClockLen); err != nil {
		return fmt.Errorf("omron: write clock: %w", err)
	}
	return nil
}

func (hem7361t) readRecords(ctx context.Context, l *link, loc *time.Location, logger *slog.Logger) (*driver.Batch, error) {
	batch := &driver.Batch{}
	for bank, start := range hemUserBanks {
		user := bank + 1
		addr := start
		for slot := 0; slot < hemSlotsPerUser; slot++ {
			buf, ok, err := l.readEEPROM(ctx, addr, record.BloodPressureRecordLen, record.BloodPressureRecordLen)
			addr += record.BloodPressureRecordLen
			if errors.Is(err, failure.ErrMalformedPayload) {
				batch.Dropped++
				logger.Warn("dropping unreadable record", "user", user, "slot", slot, "error", err)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			m, err := record.DecodeBloodPressure(buf, user, loc)
			switch {
			case errors.Is(err, failure.ErrEmptySlot):
				continue
			case err != nil:
				batch.Dropped++
				logger.Warn("dropping undecodable record", "user", user, "slot", slot, "error", err)
				continue
			}
			batch.Measurements = append(batch.Measurements, m)
		}
	}
	return batch, nil
}
