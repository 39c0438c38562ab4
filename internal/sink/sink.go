// Package sink forwards measurements to InfluxDB v2.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/record"
)

// Point is one measurement addressed to a series.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// FromRecord builds the point for m, tagged with the device id.
func FromRecord(measurement, deviceID string, m record.Measurement) Point {
	tags := make(map[string]string, len(m.Tags())+1)
	maps.Copy(tags, m.Tags())
	tags["device_id"] = deviceID
	return Point{
		Measurement: measurement,
		Tags:        tags,
		Fields:      m.Fields(),
		Time:        m.MeasuredAt(),
	}
}

// Writer accepts points. Errors wrap failure.ErrSink.
type Writer interface {
	WritePoints(ctx context.Context, points ...Point) error
}

// pointWriter is the part of the InfluxDB blocking write API the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Circuit breaker settings.
const (
	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = time.Minute
)

// InfluxSink writes points with the InfluxDB v2 client. Repeated failures
// open a circuit breaker so a down database fails fast instead of stalling
// every device task on the HTTP timeout.
type InfluxSink struct {
	client  influxdb2.Client
	writer  pointWriter
	timeout time.Duration // per write; zero means none
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

var _ Writer = (*InfluxSink)(nil)

// NewInfluxSink returns a sink for cfg. No connection is made until the
// first write.
func NewInfluxSink(cfg config.SinkConfig, logger *slog.Logger) *InfluxSink {
	// The client counts whole seconds and treats zero as no limit.
	secs := max(1, uint((cfg.Timeout+time.Second-1)/time.Second))
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(secs).
		SetPrecision(time.Second)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	s := newInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Timeout, logger)
	s.client = client
	return s
}

func newInfluxSink(w pointWriter, timeout time.Duration, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &InfluxSink{writer: w, timeout: timeout, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "influxdb",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A cancelled write says nothing about the database.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return s
}

// WritePoints writes points in one request.
func (s *InfluxSink) WritePoints(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]*write.Point, len(points))
	for i, p := range points {
		pts[i] = influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.writer.WritePoint(ctx, pts...)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("sink: circuit open: %w: %w", err, failure.ErrSink)
		}
		return fmt.Errorf("sink: write %d points: %w: %w", len(points), err, failure.ErrSink)
	}
	return nil
}

// State returns the circuit breaker state.
func (s *InfluxSink) State() gobreaker.State {
	return s.breaker.State()
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
