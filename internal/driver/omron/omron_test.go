package omron

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/ble/bletest"
	"github.com/chaz8081/vitals-bridge/internal/ble/protocol"
	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/record"
	"github.com/chaz8081/vitals-bridge/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	bpAddr    = "00:5F:BF:00:00:01"
	scaleAddr = "00:5F:BF:00:00:02"
	bpSecret  = "00112233445566778899aabbccddeeff"
)

// fakeOmron emulates the EEPROM command set of an Omron device on top of a
// bletest peripheral.
type fakeOmron struct {
	t *testing.T
	p *bletest.Peripheral

	mu       sync.Mutex
	eeprom   [0x1000]byte
	secret   []byte
	unlocked bool
	asm      protocol.Assembler
	rx       []*bletest.Characteristic
	notify   int
	short    map[uint16]bool
	corrupt  map[uint16]bool // read replies sent with a bad checksum
	written  map[uint16][]byte
	ops      []uint16
	// dropAfter, if set, drops the link instead of answering that many
	// commands in.
	dropAfter int
}

func newFake(t *testing.T, addr, model string, g gatt, notify int) *fakeOmron {
	t.Helper()
	f := &fakeOmron{
		t:       t,
		p:       bletest.NewPeripheral(addr),
		notify:  notify,
		short:   make(map[uint16]bool),
		corrupt: make(map[uint16]bool),
		written: make(map[uint16][]byte),
	}
	for i := range f.eeprom {
		f.eeprom[i] = 0xff
	}
	f.p.Advertise(0x020e)

	f.p.AddCharacteristic(ble.DeviceInfoServiceUUID, ble.ManufacturerCharUUID).SetValue([]byte("OMRONHEALTHCARE\x00"))
	f.p.AddCharacteristic(ble.DeviceInfoServiceUUID, ble.ModelCharUUID).SetValue([]byte(model))
	f.p.AddCharacteristic(ble.DeviceInfoServiceUUID, ble.FirmwareCharUUID).SetValue([]byte("1.0.3 "))

	for _, uuid := range g.tx {
		f.p.AddCharacteristic(g.service, uuid).OnWrite(f.onChunk)
	}
	for _, uuid := range g.rx {
		f.rx = append(f.rx, f.p.AddCharacteristic(g.service, uuid))
	}
	if g.unlock != "" {
		unlock := f.p.AddCharacteristic(g.service, g.unlock)
		unlock.OnWrite(func(data []byte) error {
			unlock.Notify(f.onUnlock(data))
			return nil
		})
	} else {
		f.unlocked = true
	}
	return f
}

func newFakeHEM(t *testing.T, secret []byte) *fakeOmron {
	f := newFake(t, bpAddr, "M7 Intelli IT", hem7361t{}.gatt(), 16)
	f.secret = secret
	// Settings block bytes the clock sync must preserve.
	copy(f.eeprom[hemClockRead:], []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80})
	return f
}

func newFakeScale(t *testing.T) *fakeOmron {
	return newFake(t, scaleAddr, "HN300T2IntelliIT", hn300t2{}.gatt(), protocol.MaxPacketSize)
}

func (f *fakeOmron) onUnlock(data []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch data[0] {
	case 0x01:
		if bytes.Equal(data[1:], f.secret) {
			f.unlocked = true
			return []byte{0x81, 0x00}
		}
		return []byte{0x81, 0x01}
	case 0x02:
		return []byte{0x82, 0x00}
	case 0x00:
		f.secret = append([]byte(nil), data[1:]...)
		f.unlocked = true
		return []byte{0x80, 0x00}
	}
	return []byte{0xff}
}

func (f *fakeOmron) onChunk(chunk []byte) error {
	f.mu.Lock()
	if !f.asm.Add(chunk) {
		f.mu.Unlock()
		return nil
	}
	pkt := append([]byte(nil), f.asm.Bytes()...)
	f.asm = protocol.Assembler{}
	if !f.unlocked {
		f.mu.Unlock()
		return nil
	}
	msg, err := protocol.Unframe(pkt)
	if err != nil {
		f.mu.Unlock()
		f.t.Errorf("fake: bad frame % x: %v", pkt, err)
		return nil
	}
	req, _ := protocol.UnmarshalPacket(msg)
	f.ops = append(f.ops, req.Op)
	if f.dropAfter > 0 && len(f.ops) >= f.dropAfter {
		f.mu.Unlock()
		go f.p.Drop()
		return nil
	}
	resp := f.handle(req)
	corrupt := req.Op == protocol.OpReadEEPROM && f.corrupt[binary.BigEndian.Uint16(req.Data)]
	f.mu.Unlock()

	frame, err := protocol.Frame(resp.Marshal())
	if err != nil {
		f.t.Errorf("fake: frame reply: %v", err)
		return nil
	}
	if corrupt {
		frame[len(frame)-1] ^= 0xff
	}
	for i, c := range protocol.ChunkPacket(frame, f.notify) {
		f.rx[i].Notify(c)
	}
	return nil
}

func (f *fakeOmron) handle(req protocol.Packet) protocol.Packet {
	switch req.Op {
	case protocol.OpStartTransaction:
		return protocol.Packet{Op: protocol.ReplyStartTransaction, Data: []byte{0x00, 0x00}}
	case protocol.OpEndTransaction:
		return protocol.Packet{Op: protocol.ReplyEndTransaction, Data: []byte{0x00, 0x00}}
	case protocol.OpReadEEPROM:
		addr := binary.BigEndian.Uint16(req.Data)
		n := int(req.Data[2])
		data := []byte{req.Data[0], req.Data[1], byte(n)}
		if !f.short[addr] {
			data = append(data, f.eeprom[addr:int(addr)+n]...)
			data = append(data, 0x00)
		}
		return protocol.Packet{Op: protocol.ReplyReadEEPROM, Data: data}
	case protocol.OpWriteEEPROM:
		addr := binary.BigEndian.Uint16(req.Data)
		n := int(req.Data[2])
		block := append([]byte(nil), req.Data[3:3+n]...)
		copy(f.eeprom[addr:], block)
		f.written[addr] = block
		return protocol.Packet{Op: protocol.ReplyWriteEEPROM, Data: []byte{req.Data[0], req.Data[1], byte(n), 0x00}}
	}
	f.t.Errorf("fake: unexpected op 0x%04x", req.Op)
	return protocol.Packet{Op: 0xffff}
}

func (f *fakeOmron) put(addr uint16, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.eeprom[addr:], data)
}

func (f *fakeOmron) writtenAt(addr uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[addr]
}

func (f *fakeOmron) opsSeen() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.ops...)
}

// bpRecord encodes a HEM-7361T slot.
func bpRecord(sys, dia, pulse int, year, month, day, hour, minute, second int) []byte {
	rec := make([]byte, record.BloodPressureRecordLen)
	rec[0] = byte(sys - 25)
	rec[1] = byte(dia)
	rec[2] = byte(pulse)
	rec[3] = byte(year - 2000)
	rec[4] = byte(hour&0x1f) | byte(day&0x07)<<5
	rec[5] = byte(day>>3&0x03) | byte(month&0x0f)<<2
	rec[6] = byte(second&0x3f) | byte(minute&0x03)<<6
	rec[7] = byte(minute >> 2 & 0x0f)
	return rec
}

// weightRecord encodes a HN-300T2 slot.
func weightRecord(raw uint16, year, month, day, hour, minute, second int) []byte {
	rec := make([]byte, record.WeightRecordLen)
	binary.BigEndian.PutUint16(rec, raw)
	copy(rec[2:], []byte{byte(year - 2000), byte(month), byte(day), byte(hour), byte(minute), byte(second)})
	return rec
}

func testDevice(t *testing.T, kind family.Kind, addr string) config.Device {
	t.Helper()
	secret := ""
	if kind == family.OmronHEM7361T {
		secret = fmt.Sprintf("    secret: %q\n", bpSecret)
	}
	yml := fmt.Sprintf(`sink:
  org: home
  bucket: health
devices:
  - id: dev
    driver: %s
    address: %q
%s    timezone: Europe/Budapest
    measurement: m
`, kind, addr, secret)
	cfg, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg.Devices[0]
}

type fixture struct {
	adapter *bletest.Adapter
	clock   *clock.Mock
	drv     driver.Driver
}

func newFixture(t *testing.T, kind family.Kind, f *fakeOmron) *fixture {
	t.Helper()
	fx := &fixture{adapter: bletest.NewAdapter(f.p), clock: clock.NewMock()}
	fx.clock.Set(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	drv, err := driver.New(testDevice(t, kind, f.p.Address), driver.Deps{
		Adapter: fx.adapter,
		Session: session.Options{
			ConnectTimeout:   time.Second,
			OperationTimeout: 200 * time.Millisecond,
		},
		AdvertisementTimeout: 100 * time.Millisecond,
		Clock:                fx.clock,
	})
	require.NoError(t, err)
	fx.drv = drv
	return fx
}

func mustSecret(t *testing.T) []byte {
	t.Helper()
	b, err := hex.DecodeString(bpSecret)
	require.NoError(t, err)
	return b
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, driver.Registered(), family.OmronHEM7361T)
	assert.Contains(t, driver.Registered(), family.OmronHN300T2)
}

func TestHEMReadMeasurements(t *testing.T) {
	f := newFakeHEM(t, mustSecret(t))
	f.put(0x0098, bpRecord(120, 80, 65, 2024, 1, 1, 8, 0, 0))
	f.put(0x0098+0x10, bpRecord(131, 85, 72, 2024, 1, 2, 21, 37, 15))
	f.put(0x06d8, bpRecord(110, 70, 60, 2024, 3, 15, 7, 5, 0))
	fx := newFixture(t, family.OmronHEM7361T, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Measurements, 3)
	assert.Zero(t, batch.Dropped)

	budapest, _ := time.LoadLocation("Europe/Budapest")
	first := batch.Measurements[0].(record.BloodPressure)
	assert.Equal(t, uint16(120), first.Systolic)
	assert.Equal(t, uint16(80), first.Diastolic)
	assert.Equal(t, uint16(65), first.Pulse)
	assert.Equal(t, 1, first.User)
	assert.True(t, first.At.Equal(time.Date(2024, 1, 1, 8, 0, 0, 0, budapest)), "At = %v", first.At)

	second := batch.Measurements[1].(record.BloodPressure)
	assert.True(t, second.At.Equal(time.Date(2024, 1, 2, 21, 37, 15, 0, budapest)), "At = %v", second.At)

	third := batch.Measurements[2].(record.BloodPressure)
	assert.Equal(t, 2, third.User)
	assert.Equal(t, uint16(110), third.Systolic)

	ops := f.opsSeen()
	require.NotEmpty(t, ops)
	assert.Equal(t, protocol.OpStartTransaction, ops[0])
	assert.Equal(t, protocol.OpEndTransaction, ops[len(ops)-1])
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestHEMSyncTimeInDeviceZone(t *testing.T) {
	f := newFakeHEM(t, mustSecret(t))
	fx := newFixture(t, family.OmronHEM7361T, f)

	err := fx.drv.SyncTime(context.Background(), time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	block := f.writtenAt(hemClockWrite)
	require.Len(t, block, record.BloodPressureClockLen)
	assert.Equal(t, []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}, block[:8], "settings bytes preserved")
	assert.Equal(t, []byte{24, 6, 1, 12, 0, 0}, block[8:14], "local wall clock in Budapest (CEST)")
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestHEMReadSyncsClockFromDeps(t *testing.T) {
	f := newFakeHEM(t, mustSecret(t))
	fx := newFixture(t, family.OmronHEM7361T, f)
	fx.clock.Set(time.Date(2024, 12, 24, 17, 30, 5, 0, time.UTC))

	_, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{24, 12, 24, 18, 30, 5}, f.writtenAt(hemClockWrite)[8:14])
}

func TestHEMAuthRejected(t *testing.T) {
	f := newFakeHEM(t, bytes.Repeat([]byte{0x42}, 16))
	f.put(0x0098, bpRecord(120, 80, 65, 2024, 1, 1, 8, 0, 0))
	fx := newFixture(t, family.OmronHEM7361T, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.ErrorIs(t, err, failure.ErrAuthRejected)
	assert.Equal(t, failure.ClassAuth, failure.ClassOf(err))
	assert.Nil(t, batch)
	assert.Empty(t, f.opsSeen(), "no EEPROM command before unlock")
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestHEMSkipsEmptyAndShortSlots(t *testing.T) {
	f := newFakeHEM(t, mustSecret(t))
	f.put(0x0098, bpRecord(120, 80, 65, 2024, 1, 1, 8, 0, 0))
	// Slot 1 all zeros, slot 2 answered short, slot 3 valid.
	f.put(0x00a8, make([]byte, 16))
	f.short[0x00b8] = true
	f.put(0x00c8, bpRecord(125, 82, 70, 2024, 1, 4, 9, 0, 0))
	fx := newFixture(t, family.OmronHEM7361T, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Measurements, 2)
	assert.Zero(t, batch.Dropped)
	assert.Equal(t, uint16(125), batch.Measurements[1].(record.BloodPressure).Systolic)
}

func TestHEMDropsUndecodableRecord(t *testing.T) {
	f := newFakeHEM(t, mustSecret(t))
	f.put(0x0098, bpRecord(120, 80, 65, 2024, 13, 1, 8, 0, 0))
	f.put(0x00a8, bpRecord(118, 79, 66, 2024, 2, 30, 8, 0, 0))
	f.put(0x00b8, bpRecord(121, 81, 64, 2024, 2, 1, 8, 0, 0))
	fx := newFixture(t, family.OmronHEM7361T, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Dropped)
	require.Len(t, batch.Measurements, 1)
	assert.Equal(t, uint16(121), batch.Measurements[0].(record.BloodPressure).Systolic)
}

func TestHEMDropsRecordWithCorruptReply(t *testing.T) {
	f := newFakeHEM(t, mustSecret(t))
	f.put(0x0098, bpRecord(120, 80, 65, 2024, 1, 1, 8, 0, 0))
	f.put(0x00a8, bpRecord(118, 79, 66, 2024, 1, 2, 8, 0, 0))
	f.put(0x00b8, bpRecord(121, 81, 64, 2024, 1, 3, 8, 0, 0))
	f.corrupt[0x00a8] = true
	fx := newFixture(t, family.OmronHEM7361T, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Dropped)
	require.Len(t, batch.Measurements, 2)
	assert.Equal(t, uint16(120), batch.Measurements[0].(record.BloodPressure).Systolic)
	assert.Equal(t, uint16(121), batch.Measurements[1].(record.BloodPressure).Systolic)
	assert.Equal(t, protocol.OpEndTransaction, f.opsSeen()[len(f.opsSeen())-1])
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestHEMPair(t *testing.T) {
	f := newFakeHEM(t, nil)
	fx := newFixture(t, family.OmronHEM7361T, f)
	secret := bytes.Repeat([]byte{0x5a}, 16)

	require.NoError(t, fx.drv.Pair(context.Background(), secret))

	f.mu.Lock()
	stored := f.secret
	f.mu.Unlock()
	assert.Equal(t, secret, stored)
	assert.Len(t, f.writtenAt(hemClockWrite), record.BloodPressureClockLen)
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestHEMPairRejectsBadSecret(t *testing.T) {
	f := newFakeHEM(t, nil)
	fx := newFixture(t, family.OmronHEM7361T, f)

	err := fx.drv.Pair(context.Background(), []byte{1, 2, 3})
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Zero(t, fx.adapter.Connects(), "a bad secret must not reach the radio")
}

func TestUnknownDevice(t *testing.T) {
	f := newFake(t, bpAddr, "HEM-7155T", hem7361t{}.gatt(), 16)
	fx := newFixture(t, family.OmronHEM7361T, f)

	_, err := fx.drv.ReadMeasurements(context.Background())
	require.ErrorIs(t, err, failure.ErrUnknownDevice)
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestNotAdvertising(t *testing.T) {
	f := newFakeScale(t)
	f.p.StopAdvertising()
	fx := newFixture(t, family.OmronHN300T2, f)

	_, err := fx.drv.ReadMeasurements(context.Background())
	require.ErrorIs(t, err, failure.ErrNotAdvertising)
	assert.Equal(t, failure.ClassIdle, failure.ClassOf(err))
	assert.Zero(t, fx.adapter.Connects())
}

func TestScaleReadMeasurements(t *testing.T) {
	f := newFakeScale(t)
	f.put(hnRecords, weightRecord(1447, 2024, 5, 30, 7, 12, 40))
	f.put(hnRecords+0x20, weightRecord(1450, 2024, 5, 31, 7, 10, 0))
	fx := newFixture(t, family.OmronHN300T2, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Measurements, 2)

	w := batch.Measurements[0].(record.Weight)
	assert.InDelta(t, 72.35, w.Kilograms, 0.001)
	assert.Nil(t, w.BodyFatPercent)
	assert.Equal(t, 72.35, w.Fields()["weight_kg"])

	assert.Equal(t, []byte{24, 6, 1, 12, 0, 0}, f.writtenAt(hnClock)[:6])
	assert.Zero(t, fx.adapter.OpenConnections())
}

func TestScaleDropsRecordWithCorruptReply(t *testing.T) {
	f := newFakeScale(t)
	f.put(hnRecords, weightRecord(1447, 2024, 5, 30, 7, 12, 40))
	f.put(hnRecords+0x10, weightRecord(1450, 2024, 5, 31, 7, 10, 0))
	f.corrupt[hnRecords] = true
	fx := newFixture(t, family.OmronHN300T2, f)

	batch, err := fx.drv.ReadMeasurements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Dropped)
	require.Len(t, batch.Measurements, 1)
	assert.InDelta(t, 72.5, batch.Measurements[0].(record.Weight).Kilograms, 0.001)
}

func TestScalePairNeedsNoSecret(t *testing.T) {
	f := newFakeScale(t)
	fx := newFixture(t, family.OmronHN300T2, f)

	require.NoError(t, fx.drv.Pair(context.Background(), nil))
	assert.Len(t, f.writtenAt(hnClock), record.ScaleClockLen)
}

func TestLinkDroppedMidTransfer(t *testing.T) {
	f := newFakeScale(t)
	f.put(hnRecords, weightRecord(1447, 2024, 5, 30, 7, 12, 40))
	f.dropAfter = 4
	fx := newFixture(t, family.OmronHN300T2, f)

	_, err := fx.drv.ReadMeasurements(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.ClassTransport, failure.ClassOf(err))
	assert.Zero(t, fx.adapter.OpenConnections())
}
