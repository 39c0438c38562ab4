package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/record"
	"github.com/chaz8081/vitals-bridge/internal/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// result is one scripted ReadMeasurements return. A zero result blocks
// until the context is done.
type result struct {
	batch *driver.Batch
	err   error
}

// fakeDriver replays results in order, repeating the last one.
type fakeDriver struct {
	mu      sync.Mutex
	results []result
	calls   int
}

func (f *fakeDriver) Kind() family.Kind                        { return family.OmronHEM7361T }
func (f *fakeDriver) Pair(context.Context, []byte) error        { return nil }
func (f *fakeDriver) SyncTime(context.Context, time.Time) error { return nil }

func (f *fakeDriver) ReadMeasurements(ctx context.Context) (*driver.Batch, error) {
	f.mu.Lock()
	i := min(f.calls, len(f.results)-1)
	f.calls++
	r := f.results[i]
	f.mu.Unlock()
	if r.batch == nil && r.err == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.batch, r.err
}

func (f *fakeDriver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ driver.Driver = (*fakeDriver)(nil)

// fakeSink records points and fails the first failures writes.
type fakeSink struct {
	mu       sync.Mutex
	points   []sink.Point
	writes   int
	failures int
}

func (f *fakeSink) WritePoints(_ context.Context, points ...sink.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failures < 0 || f.writes <= f.failures {
		return fmt.Errorf("fake: %w", failure.ErrSink)
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeSink) Points() []sink.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sink.Point(nil), f.points...)
}

func (f *fakeSink) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type outcomes struct {
	mu   sync.Mutex
	list []Outcome
}

func (o *outcomes) add(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, out)
}

func (o *outcomes) of(device string) []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Outcome
	for _, x := range o.list {
		if x.Device == device {
			out = append(out, x)
		}
	}
	return out
}

func testOptions(o *outcomes) Options {
	return Options{
		RetryAttempts:     3,
		BackoffMax:        30 * time.Second,
		Cooldown:          time.Minute,
		SinkRetryAttempts: 2,
		OnOutcome:         o.add,
	}
}

func device(id, measurement string, sleep time.Duration) config.Device {
	return config.Device{ID: id, Measurement: measurement, PostReadSleep: sleep}
}

// start runs s until the returned stop is called.
func start(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func bloodPressure() record.BloodPressure {
	return record.BloodPressure{
		Systolic:  120,
		Diastolic: 80,
		Pulse:     65,
		User:      1,
		At:        time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestForwardsSingleBloodPressure(t *testing.T) {
	o := &outcomes{}
	w := &fakeSink{}
	drv := &fakeDriver{results: []result{{batch: &driver.Batch{Measurements: []record.Measurement{bloodPressure()}}}}}
	s := New([]Task{{Device: device("bp", "blood_pressure", time.Hour), Driver: drv}}, w, testOptions(o), clock.NewMock(), nil)

	stop := start(t, s)
	require.Eventually(t, func() bool { return len(o.of("bp")) == 1 }, 5*time.Second, time.Millisecond)
	stop()

	points := w.Points()
	require.Len(t, points, 1)
	p := points[0]
	assert.Equal(t, "blood_pressure", p.Measurement)
	assert.Equal(t, map[string]string{"device_id": "bp", "user": "1"}, p.Tags)
	assert.Equal(t, map[string]any{
		"systolic":            int64(120),
		"diastolic":           int64(80),
		"pulse":               int64(65),
		"irregular_heartbeat": false,
		"body_movement":       false,
	}, p.Fields)
	assert.True(t, p.Time.Equal(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)))

	out := o.of("bp")[0]
	assert.Equal(t, failure.ClassNone, out.Class)
	assert.Equal(t, 1, out.Forwarded)
	assert.Equal(t, time.Hour, out.Next)
	assert.Equal(t, 1, drv.Calls(), "post_read_sleep holds the next read")
}

func TestConnectTimeoutsBackOffWithoutStallingOthers(t *testing.T) {
	o := &outcomes{}
	w := &fakeSink{}
	mock := clock.NewMock()
	bad := &fakeDriver{results: []result{{err: fmt.Errorf("ble: connect: %w", failure.ErrConnectTimeout)}}}
	good := &fakeDriver{results: []result{{batch: &driver.Batch{Measurements: []record.Measurement{
		record.Weight{Kilograms: 72.35, At: time.Date(2024, 5, 30, 7, 0, 0, 0, time.UTC)},
	}}}}}
	s := New([]Task{
		{Device: device("bp", "blood_pressure", 0), Driver: bad},
		{Device: device("scale", "weight", time.Second), Driver: good},
	}, w, testOptions(o), mock, nil)

	stop := start(t, s)
	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		return len(o.of("bp")) >= 4
	}, 5*time.Second, time.Millisecond)
	stop()

	var delays []time.Duration
	for _, out := range o.of("bp") {
		assert.Equal(t, failure.ClassTransport, out.Class)
		assert.ErrorIs(t, out.Err, failure.ErrConnectTimeout)
		delays = append(delays, out.Next)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Minute}, delays)
	assert.Equal(t, 4, bad.Calls(), "cooldown must hold the next attempt")

	scale := o.of("scale")
	assert.GreaterOrEqual(t, len(scale), 4, "the healthy device keeps its own cadence")
	for _, out := range scale {
		assert.Equal(t, failure.ClassNone, out.Class)
		assert.Equal(t, time.Second, out.Next)
	}
}

func TestAuthRejectedForwardsNothing(t *testing.T) {
	o := &outcomes{}
	w := &fakeSink{}
	drv := &fakeDriver{results: []result{{err: fmt.Errorf("session: authenticate: %w", failure.ErrAuthRejected)}}}
	s := New([]Task{{Device: device("bp", "blood_pressure", 0), Driver: drv}}, w, testOptions(o), clock.NewMock(), nil)

	stop := start(t, s)
	require.Eventually(t, func() bool { return len(o.of("bp")) == 1 }, 5*time.Second, time.Millisecond)
	stop()

	out := o.of("bp")[0]
	assert.Equal(t, failure.ClassAuth, out.Class)
	assert.Zero(t, out.Forwarded)
	assert.Equal(t, time.Minute, out.Next)
	assert.Empty(t, w.Points())
	assert.Zero(t, w.Writes())
	assert.Equal(t, 1, drv.Calls(), "a rejected secret is not retried in a tight loop")
}

func TestSinkFailureReportsFailedToForward(t *testing.T) {
	o := &outcomes{}
	w := &fakeSink{failures: -1}
	mock := clock.NewMock()
	drv := &fakeDriver{results: []result{
		{batch: &driver.Batch{Measurements: []record.Measurement{bloodPressure(), bloodPressure()}, Dropped: 1}},
		{},
	}}
	s := New([]Task{{Device: device("bp", "blood_pressure", time.Hour), Driver: drv}}, w, testOptions(o), mock, nil)

	stop := start(t, s)
	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		return len(o.of("bp")) == 1
	}, 5*time.Second, time.Millisecond)
	stop()

	out := o.of("bp")[0]
	assert.Equal(t, failure.ClassSink, out.Class)
	assert.ErrorIs(t, out.Err, failure.ErrSink)
	assert.Equal(t, 2, out.Read)
	assert.Equal(t, 1, out.Dropped)
	assert.Zero(t, out.Forwarded)
	assert.Equal(t, time.Hour, out.Next, "a sink failure does not penalise the device")
	assert.Equal(t, 3, w.Writes(), "one write plus two retries")
}

func TestShutdownDuringSinkRetryReportsFailedToForward(t *testing.T) {
	o := &outcomes{}
	w := &fakeSink{failures: -1}
	drv := &fakeDriver{results: []result{{batch: &driver.Batch{Measurements: []record.Measurement{bloodPressure()}}}}}
	s := New([]Task{{Device: device("bp", "blood_pressure", time.Hour), Driver: drv}}, w, testOptions(o), clock.NewMock(), nil)

	stop := start(t, s)
	require.Eventually(t, func() bool { return w.Writes() == 1 }, 5*time.Second, time.Millisecond)
	stop()

	got := o.of("bp")
	require.Len(t, got, 1)
	out := got[0]
	assert.Equal(t, failure.ClassSink, out.Class)
	assert.ErrorIs(t, out.Err, failure.ErrSink)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, out.Read)
	assert.Zero(t, out.Forwarded)
	assert.Equal(t, 1, w.Writes(), "no retry after shutdown")
}

func TestSinkRecoversWithinRetries(t *testing.T) {
	o := &outcomes{}
	w := &fakeSink{failures: 1}
	mock := clock.NewMock()
	drv := &fakeDriver{results: []result{{batch: &driver.Batch{Measurements: []record.Measurement{bloodPressure()}}}, {}}}
	s := New([]Task{{Device: device("bp", "blood_pressure", 0), Driver: drv}}, w, testOptions(o), mock, nil)

	stop := start(t, s)
	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		return len(o.of("bp")) == 1
	}, 5*time.Second, time.Millisecond)
	stop()

	assert.Equal(t, failure.ClassNone, o.of("bp")[0].Class)
	assert.Len(t, w.Points(), 1)
}

func TestIdleRepollsImmediately(t *testing.T) {
	o := &outcomes{}
	drv := &fakeDriver{results: []result{
		{err: fmt.Errorf("ble: %w", failure.ErrNotAdvertising)},
		{},
	}}
	s := New([]Task{{Device: device("scale", "weight", time.Hour), Driver: drv}}, &fakeSink{}, testOptions(o), clock.NewMock(), nil)

	stop := start(t, s)
	require.Eventually(t, func() bool { return drv.Calls() == 2 }, 5*time.Second, time.Millisecond)
	stop()

	out := o.of("scale")
	require.Len(t, out, 1)
	assert.Equal(t, failure.ClassIdle, out[0].Class)
	assert.Zero(t, out[0].Next)
}

func TestShutdownInterruptsRead(t *testing.T) {
	drv := &fakeDriver{results: []result{{}}}
	s := New([]Task{
		{Device: device("a", "m", 0), Driver: drv},
		{Device: device("b", "m", 0), Driver: &fakeDriver{results: []result{{}}}},
	}, &fakeSink{}, testOptions(&outcomes{}), clock.NewMock(), nil)

	stop := start(t, s)
	require.Eventually(t, func() bool { return drv.Calls() == 1 }, 5*time.Second, time.Millisecond)
	stop()
}

func TestNextResetsAfterSuccess(t *testing.T) {
	s := New(nil, &fakeSink{}, Options{RetryAttempts: 3, BackoffMax: 30 * time.Second, Cooldown: time.Minute}, clock.NewMock(), nil)
	dev := device("bp", "blood_pressure", 10*time.Minute)
	var st retryState

	steps := []struct {
		class failure.Class
		want  time.Duration
	}{
		{failure.ClassTransport, time.Second},
		{failure.ClassTransport, 2 * time.Second},
		{failure.ClassNone, 10 * time.Minute},
		{failure.ClassTransport, time.Second},
		{failure.ClassIdle, 0},
		{failure.ClassTransport, time.Second},
		{failure.ClassDecode, 10 * time.Minute},
		{failure.ClassInternal, 10 * time.Minute},
	}
	for i, step := range steps {
		assert.Equal(t, step.want, s.next(&st, dev, step.class), "step %d (%s)", i, step.class)
	}
}

func TestReconnectBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{6, 30 * time.Second}, // still capped
		{62, 30 * time.Second},
	}
	for _, tt := range tests {
		got := backoffDelay(tt.attempt, 30*time.Second)
		if got != tt.want {
			t.Errorf("backoffDelay(%d, 30s) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Default().Scheduler)
	assert.Equal(t, 3, opts.RetryAttempts)
	assert.Equal(t, 30*time.Second, opts.BackoffMax)
	assert.Equal(t, time.Minute, opts.Cooldown)
	assert.Equal(t, 5, opts.SinkRetryAttempts)
}

func TestRunWithoutDevices(t *testing.T) {
	s := New(nil, &fakeSink{}, Options{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}
