package omron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/vitals-bridge/internal/ble/crypto"
	"github.com/chaz8081/vitals-bridge/internal/ble/protocol"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/record"
)

// HN-300T2 GATT layout.
const (
	HNService = "0000fe4a-0000-1000-8000-00805f9b34fb"
	HNTXChar  = "db5b55e0-aee7-11e1-965e-0002a5d5c51b"
	HNRXChar  = "49123040-aee8-11e1-a74d-0002a5d5c51b"
)

// HN-300T2 memory map.
const (
	hnClock   uint16 = 0x0248
	hnRecords uint16 = 0x02c0
	hnSlots          = 30
)

type hn300t2 struct{}

func (hn300t2) kind() family.Kind { return family.OmronHN300T2 }

// The scale takes whole packets on a single characteristic.
func (hn300t2) gatt() gatt {
	return gatt{
		service: HNService,
		tx:      []string{HNTXChar},
		rx:      []string{HNRXChar},
		chunk:   protocol.MaxPacketSize,
	}
}

func (hn300t2) codec() crypto.Omron { return crypto.Omron{} }

func (hn300t2) syncTime(ctx context.Context, l *link, now time.Time, loc *time.Location) error {
	block, err := record.EncodeScaleClock(now, loc)
	if err != nil {
		return err
	}
	if err := l.writeEEPROM(ctx, hnClock, block, record.ScaleClockLen); err != nil {
		return fmt.Errorf("omron: write clock: %w", err)
	}
	return nil
}

func (hn300t2) readRecords(ctx context.Context, l *link, loc *time.Location, logger *slog.Logger) (*driver.Batch, error) {
	batch := &driver.Batch{}
	addr := hnRecords
	for slot := 0; slot < hnSlots; slot++ {
		buf, ok, err := l.readEEPROM(ctx, addr, record.WeightRecordLen, record.WeightRecordLen)
		addr += record.WeightRecordLen
		if errors.Is(err, failure.ErrMalformedPayload) {
			batch.Dropped++
			logger.Warn("dropping unreadable record", "slot", slot, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m, err := record.DecodeWeight(buf, loc)
		switch {
		case errors.Is(err, failure.ErrEmptySlot):
			continue
		case err != nil:
			batch.Dropped++
			logger.Warn("dropping undecodable record", "slot", slot, "error", err)
			continue
		}
		batch.Measurements = append(batch.Measurements, m)
	}
	return batch, nil
}
