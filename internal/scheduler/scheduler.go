// Package scheduler runs the daemon loop: one task per configured device
// reading measurements on the device's cadence, classifying failures, and
// forwarding readings to the sink.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/sink"
)

// Options is the retry policy.
type Options struct {
	RetryAttempts     int           // transient failures retried with backoff before cooling down
	BackoffMax        time.Duration // cap on a single backoff delay
	Cooldown          time.Duration // pause after giving up on a cycle
	SinkRetryAttempts int

	// OnOutcome, if set, observes every finished cycle.
	OnOutcome func(Outcome)
}

// OptionsFromConfig returns the retry policy in cfg.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		RetryAttempts:     cfg.RetryAttempts,
		BackoffMax:        cfg.BackoffMax,
		Cooldown:          cfg.Cooldown,
		SinkRetryAttempts: cfg.SinkRetryAttempts,
	}
}

// Task pairs a configured device with its driver.
type Task struct {
	Device config.Device
	Driver driver.Driver
}

// Outcome is the result of one polling cycle for one device.
type Outcome struct {
	Device string
	// Class is ClassNone on a fully forwarded read, ClassSink when the read
	// succeeded but forwarding did not.
	Class     failure.Class
	Err       error
	Read      int // measurements decoded
	Dropped   int // records that failed to decode
	Forwarded int
	// Next is how long the task waits before its next cycle.
	Next time.Duration
}

// Scheduler polls devices independently.
type Scheduler struct {
	tasks  []Task
	sink   sink.Writer
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a scheduler. A nil clock uses the wall clock.
func New(tasks []Task, w sink.Writer, opts Options, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Scheduler{tasks: tasks, sink: w, opts: opts, clock: clk, logger: logger}
}

// Run polls every device until ctx is cancelled. A failing device never
// stops the others; Run returns nil after a clean shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "devices", len(s.tasks))
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// retryState is the per-device retry bookkeeping. It is reset on every
// cycle that is not a transient failure.
type retryState struct {
	failures int
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	logger := s.logger.With("device", t.Device.ID)
	var st retryState
	for ctx.Err() == nil {
		out := s.poll(ctx, t, logger)
		if ctx.Err() != nil {
			// Readings still in hand at shutdown are reported as unforwarded.
			if out.Read > out.Forwarded {
				s.report(logger, out, st)
				s.notify(out)
			}
			return
		}
		out.Next = s.next(&st, t.Device, out.Class)
		s.report(logger, out, st)
		s.notify(out)
		if err := s.sleep(ctx, out.Next); err != nil {
			return
		}
	}
}

// poll runs one read and forwards what it returned.
func (s *Scheduler) poll(ctx context.Context, t Task, logger *slog.Logger) Outcome {
	out := Outcome{Device: t.Device.ID}
	batch, err := t.Driver.ReadMeasurements(ctx)
	if err != nil {
		out.Err = err
		out.Class = failure.ClassOf(err)
		return out
	}
	out.Read = len(batch.Measurements)
	out.Dropped = batch.Dropped
	if out.Read == 0 {
		return out
	}

	points := make([]sink.Point, 0, out.Read)
	for _, m := range batch.Measurements {
		points = append(points, sink.FromRecord(t.Device.Measurement, t.Device.ID, m))
	}
	if err := s.forward(ctx, points, logger); err != nil {
		out.Err = err
		out.Class = failure.ClassSink
		return out
	}
	out.Forwarded = out.Read
	return out
}

// forward writes points, retrying with backoff.
func (s *Scheduler) forward(ctx context.Context, points []sink.Point, logger *slog.Logger) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.sink.WritePoints(ctx, points...); err == nil {
			return nil
		}
		if attempt >= s.opts.SinkRetryAttempts {
			return err
		}
		delay := backoffDelay(attempt, s.opts.BackoffMax)
		logger.Warn("sink write failed, retrying", "error", err, "attempt", attempt+1, "delay", delay)
		if serr := s.sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

// next updates st after a cycle and returns the delay before the following
// one.
func (s *Scheduler) next(st *retryState, dev config.Device, class failure.Class) time.Duration {
	switch {
	case class == failure.ClassNone || class == failure.ClassSink:
		st.failures = 0
		return dev.PostReadSleep
	case class == failure.ClassIdle:
		st.failures = 0
		return 0
	case class.Retryable():
		st.failures++
		if st.failures <= s.opts.RetryAttempts {
			return backoffDelay(st.failures-1, s.opts.BackoffMax)
		}
		st.failures = 0
		return s.opts.Cooldown
	default:
		st.failures = 0
		return max(s.opts.Cooldown, dev.PostReadSleep)
	}
}

func (s *Scheduler) report(logger *slog.Logger, out Outcome, st retryState) {
	switch out.Class {
	case failure.ClassNone:
		logger.Info("read complete", "measurements", out.Read, "dropped", out.Dropped, "next", out.Next)
	case failure.ClassSink:
		logger.Error("read succeeded but forwarding failed", "failed_to_forward", out.Read, "error", out.Err, "next", out.Next)
	case failure.ClassIdle:
		logger.Debug("device not advertising")
	case failure.ClassTransport:
		if st.failures > 0 {
			logger.Warn("transient failure, backing off", "error", out.Err, "attempt", st.failures, "next", out.Next)
		} else {
			logger.Warn("retries exhausted, cooling down", "error", out.Err, "next", out.Next)
		}
	default:
		logger.Error("read failed", "class", out.Class.String(), "error", out.Err, "next", out.Next)
	}
}

func (s *Scheduler) notify(out Outcome) {
	if s.opts.OnOutcome != nil {
		s.opts.OnOutcome(out)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay returns the delay before retry n (0-based): one second
// doubling per attempt, capped at limit.
func backoffDelay(attempt int, limit time.Duration) time.Duration {
	if attempt >= 30 {
		return limit
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > limit {
		return limit
	}
	return delay
}
