// Package record holds the measurement model and the per-family record
// layouts: decoding stored EEPROM records into measurements and encoding the
// date/time payloads written back to devices.
package record

import (
	"strconv"
	"time"
)

// Measurement is a decoded reading. Implementations are immutable values.
type Measurement interface {
	// MeasuredAt is the device's own timestamp for the reading.
	MeasuredAt() time.Time
	// Fields returns the sink field set.
	Fields() map[string]any
	// Tags returns sink tags intrinsic to the reading (not the device id).
	Tags() map[string]string
}

// BloodPressure is a reading from a blood pressure monitor.
type BloodPressure struct {
	Systolic           uint16 // mmHg
	Diastolic          uint16 // mmHg
	Pulse              uint16 // bpm
	IrregularHeartbeat bool
	BodyMovement       bool
	// User is the 1-based memory bank the reading was stored under.
	User int
	At   time.Time
}

func (m BloodPressure) MeasuredAt() time.Time { return m.At }

func (m BloodPressure) Fields() map[string]any {
	return map[string]any{
		"systolic":            int64(m.Systolic),
		"diastolic":           int64(m.Diastolic),
		"pulse":               int64(m.Pulse),
		"irregular_heartbeat": m.IrregularHeartbeat,
		"body_movement":       m.BodyMovement,
	}
}

func (m BloodPressure) Tags() map[string]string {
	if m.User == 0 {
		return nil
	}
	return map[string]string{"user": strconv.Itoa(m.User)}
}

// Weight is a reading from a body scale.
type Weight struct {
	Kilograms float32
	// BodyFatPercent is nil when the scale does not report body fat.
	BodyFatPercent *float32
	At             time.Time
}

func (m Weight) MeasuredAt() time.Time { return m.At }

func (m Weight) Fields() map[string]any {
	f := map[string]any{"weight_kg": widen(m.Kilograms)}
	if m.BodyFatPercent != nil {
		f["body_fat_pct"] = widen(*m.BodyFatPercent)
	}
	return f
}

func (m Weight) Tags() map[string]string { return nil }

// widen converts f to the float64 with the same shortest decimal form, so
// 72.35 stays 72.35 instead of 72.3499984741211.
func widen(f float32) float64 {
	w, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'f', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return w
}
