package record

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// BloodPressureRecordLen is the size of one HEM-7361T record slot.
const BloodPressureRecordLen = 0x10

// DecodeBloodPressure decodes one HEM-7361T record slot.
//
//	b0      systolic - 25
//	b1      diastolic
//	b2      pulse
//	b3      year - 2000 (bits 0-5)
//	b4      hour (bits 0-4), day bits 0-2 (bits 5-7)
//	b5      day bits 3-4 (bits 0-1), month (bits 2-5), irregular heartbeat (bit 6), body movement (bit 7)
//	b6      second (bits 0-5), minute bits 0-1 (bits 6-7)
//	b7      minute bits 2-5 (bits 0-3)
func DecodeBloodPressure(buf []byte, user int, loc *time.Location) (BloodPressure, error) {
	if len(buf) < BloodPressureRecordLen {
		return BloodPressure{}, fmt.Errorf("record: blood pressure record is %d bytes, want %d: %w", len(buf), BloodPressureRecordLen, failure.ErrMalformedPayload)
	}
	if blank(buf[:8]) {
		return BloodPressure{}, failure.ErrEmptySlot
	}

	year := baseYear + int(buf[3]&0x3f)
	month := int(buf[5]>>2) & 0x0f
	day := int(buf[4]>>5)&0x07 | int(buf[5]&0x03)<<3
	hour := int(buf[4] & 0x1f)
	minute := int(buf[6]>>6)&0x03 | int(buf[7]&0x0f)<<2
	second := int(buf[6] & 0x3f)

	at, err := LocalTime(loc, year, month, day, hour, minute, second)
	if err != nil {
		return BloodPressure{}, err
	}
	return BloodPressure{
		Systolic:           25 + uint16(buf[0]),
		Diastolic:          uint16(buf[1]),
		Pulse:              uint16(buf[2]),
		IrregularHeartbeat: buf[5]>>6&0x01 == 1,
		BodyMovement:       buf[5]>>7&0x01 == 1,
		User:               user,
		At:                 at,
	}, nil
}

// WeightRecordLen is the size of one HN-300T2 record slot.
const WeightRecordLen = 0x10

// DecodeWeight decodes one HN-300T2 record slot.
//
//	b0-b1   weight in 50 g units, big endian; 0xffff marks an empty slot
//	b2      year - 2000
//	b3..b7  month, day, hour, minute, second
func DecodeWeight(buf []byte, loc *time.Location) (Weight, error) {
	if len(buf) < WeightRecordLen {
		return Weight{}, fmt.Errorf("record: weight record is %d bytes, want %d: %w", len(buf), WeightRecordLen, failure.ErrMalformedPayload)
	}
	raw := binary.BigEndian.Uint16(buf)
	if raw == 0xffff {
		return Weight{}, failure.ErrEmptySlot
	}

	at, err := LocalTime(loc, baseYear+int(buf[2]), int(buf[3]), int(buf[4]), int(buf[5]), int(buf[6]), int(buf[7]))
	if err != nil {
		return Weight{}, err
	}
	return Weight{
		Kilograms: float32(raw) / 20,
		At:        at,
	}, nil
}

// BloodPressureClockLen is the size of the HEM-7361T settings block that
// holds the clock.
const BloodPressureClockLen = 0x10

// EncodeBloodPressureClock patches the HEM-7361T settings block current with
// now in loc. Bytes 0-7 are preserved as read from the device.
func EncodeBloodPressureClock(current []byte, now time.Time, loc *time.Location) ([]byte, error) {
	if len(current) != BloodPressureClockLen {
		return nil, fmt.Errorf("record: settings block is %d bytes, want %d", len(current), BloodPressureClockLen)
	}
	c := ClockIn(now, loc)
	if err := checkYear(c.Year); err != nil {
		return nil, err
	}
	out := make([]byte, BloodPressureClockLen)
	copy(out, current[:8])
	out[8] = byte(c.Year - baseYear)
	out[9] = byte(c.Month)
	out[10] = byte(c.Day)
	out[11] = byte(c.Hour)
	out[12] = byte(c.Minute)
	out[13] = byte(c.Second)
	out[14] = sum(out[:14])
	out[15] = 0x00
	return out, nil
}

// ScaleClockLen is the size of the HN-300T2 clock block.
const ScaleClockLen = 0x08

// EncodeScaleClock returns the HN-300T2 clock block for now in loc.
func EncodeScaleClock(now time.Time, loc *time.Location) ([]byte, error) {
	c := ClockIn(now, loc)
	if err := checkYear(c.Year); err != nil {
		return nil, err
	}
	out := []byte{
		byte(c.Year - baseYear),
		byte(c.Month),
		byte(c.Day),
		byte(c.Hour),
		byte(c.Minute),
		byte(c.Second),
		0,
		0xff,
	}
	out[6] = sum(out[:6])
	return out, nil
}

func checkYear(year int) error {
	if year < baseYear || year > baseYear+0x3f {
		return fmt.Errorf("record: year %d cannot be stored on the device", year)
	}
	return nil
}

func sum(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

func blank(b []byte) bool {
	allFF, all00 := true, true
	for _, v := range b {
		allFF = allFF && v == 0xff
		all00 = all00 && v == 0x00
	}
	return allFF || all00
}
