// Package session scopes one connection to one device: connect, discover,
// authenticate, transfer and disconnect, with a timeout on every blocking
// step. Every path out of a session, including errors and panics, goes
// through Disconnecting so the radio link is always released.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/ble/crypto"
	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// Options configures session timeouts.
type Options struct {
	ConnectTimeout   time.Duration // bound on establishing the link
	OperationTimeout time.Duration // bound on each discover, read, write and notification wait

	// OnTransition, if set, observes every state change.
	OnTransition func(from, to State)
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   20 * time.Second,
		OperationTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	return o
}

// Session is a single connection lifecycle to one device. A Session is not
// safe for concurrent use; notification callbacks are the only concurrency.
type Session struct {
	id      string
	address string
	adapter ble.Adapter
	opts    Options
	logger  *slog.Logger

	state  State
	closed bool
	conn   ble.Connection
	key    crypto.SessionKey

	lostOnce sync.Once
	linkLost chan struct{}
}

// New returns a session for the device at address. Nothing happens on the
// radio until Connect.
func New(adapter ble.Adapter, address string, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	address = ble.NormalizeAddress(address)
	return &Session{
		id:       id,
		address:  address,
		adapter:  adapter,
		opts:     opts.withDefaults(),
		logger:   logger.With("session", id, "address", address),
		state:    Disconnected,
		linkLost: make(chan struct{}),
	}
}

// Run opens a session, calls fn, and always finalizes the session before
// returning, whatever fn does. A panic in fn is reported as
// failure.ErrInternal.
func Run(ctx context.Context, adapter ble.Adapter, address string, opts Options, logger *slog.Logger, fn func(ctx context.Context, s *Session) error) (err error) {
	s := New(adapter, address, opts, logger)
	defer func() {
		if r := recover(); r != nil {
			s.fail()
			err = multierr.Append(err, fmt.Errorf("session: panic: %v: %w", r, failure.ErrInternal))
		}
		if cerr := s.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}()

	if err = s.Connect(ctx); err != nil {
		return err
	}
	if err = fn(ctx, s); err != nil {
		s.fail()
	}
	return err
}

// ID returns the unique id of this session, used in logs.
func (s *Session) ID() string { return s.id }

// Address returns the normalized device address.
func (s *Session) Address() string { return s.address }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Key returns the session key established by Authenticate, if any.
func (s *Session) Key() crypto.SessionKey { return s.key }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) transition(to State) error {
	from := s.state
	if !allowed(from, to) {
		return fmt.Errorf("session: illegal transition %s -> %s: %w", from, to, failure.ErrInternal)
	}
	s.state = to
	s.logger.Debug("[BLE] session state", "from", from.String(), "to", to.String())
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to)
	}
	return nil
}

// fail moves a live session into Failed. It is a no-op otherwise.
func (s *Session) fail() {
	if s.state == Failed || s.state == Disconnected || s.state == Disconnecting {
		return
	}
	_ = s.transition(Failed)
}

func (s *Session) requireLive(op string) error {
	if !s.state.live() {
		return fmt.Errorf("session: %s in state %s: %w", op, s.state, failure.ErrInternal)
	}
	return nil
}

// Connect establishes the link within ConnectTimeout.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("session: connect after close: %w", failure.ErrInternal)
	}
	if err := s.transition(Connecting); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(cctx, s.address)
	if err != nil {
		s.fail()
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, failure.ErrConnectTimeout) {
			err = fmt.Errorf("%w: %w", failure.ErrConnectTimeout, err)
		}
		return fmt.Errorf("session: connect: %w", err)
	}
	s.conn = conn
	conn.OnDisconnect(func() {
		s.lostOnce.Do(func() { close(s.linkLost) })
	})

	s.logger.Info("[BLE] connected")
	return s.transition(Connected)
}

// await runs fn, giving up after timeout, on ctx, or (when watchLink is set)
// when the link drops. fn may keep running after await returns.
func (s *Session) await(ctx context.Context, timeout time.Duration, watchLink bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lost := s.linkLost
	if !watchLink {
		lost = nil
	}

	ch := make(chan error, 1)
	go func() { ch <- fn() }()

	select {
	case err := <-ch:
		return err
	case <-lost:
		return failure.ErrLinkLost
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure.ErrTimeout
		}
		return ctx.Err()
	}
}

// Discover resolves a characteristic. Failure moves the session to Failed.
func (s *Session) Discover(ctx context.Context, serviceUUID, charUUID string) (ble.Characteristic, error) {
	if err := s.requireLive("discover"); err != nil {
		return nil, err
	}
	var char ble.Characteristic
	err := s.await(ctx, s.opts.OperationTimeout, true, func() error {
		c, err := s.conn.DiscoverCharacteristic(serviceUUID, charUUID)
		char = c
		return err
	})
	if err != nil {
		s.fail()
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("session: discover %s: %w: %w", charUUID, failure.ErrDiscoveryFailed, err)
	}
	return char, nil
}

// Write writes data to char within OperationTimeout.
func (s *Session) Write(ctx context.Context, char ble.Characteristic, data []byte) error {
	if err := s.requireLive("write"); err != nil {
		return err
	}
	err := s.await(ctx, s.opts.OperationTimeout, true, func() error { return char.Write(data) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, failure.ErrTimeout), errors.Is(err, failure.ErrLinkLost), errors.Is(err, context.Canceled):
		return fmt.Errorf("session: write %s: %w", char.UUID(), err)
	default:
		return fmt.Errorf("session: write %s: %w: %w", char.UUID(), failure.ErrWriteFailed, err)
	}
}

// Read reads char within OperationTimeout.
func (s *Session) Read(ctx context.Context, char ble.Characteristic) ([]byte, error) {
	if err := s.requireLive("read"); err != nil {
		return nil, err
	}
	var out []byte
	err := s.await(ctx, s.opts.OperationTimeout, true, func() error {
		b, err := char.Read()
		out = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", char.UUID(), err)
	}
	return out, nil
}

// Subscribe enables notifications on char and returns the stream they are
// delivered on.
func (s *Session) Subscribe(ctx context.Context, char ble.Characteristic) (*Stream, error) {
	if err := s.requireLive("subscribe"); err != nil {
		return nil, err
	}
	st := &Stream{
		uuid:    char.UUID(),
		ch:      make(chan []byte, streamBuffer),
		session: s,
	}
	err := s.await(ctx, s.opts.OperationTimeout, true, func() error {
		return char.Subscribe(st.deliver)
	})
	if err != nil {
		return nil, fmt.Errorf("session: subscribe %s: %w", st.uuid, err)
	}
	return st, nil
}

// Authenticate runs codec's unlock handshake over unlock. Codecs that need no
// secret move straight from Connected to Authenticated.
func (s *Session) Authenticate(ctx context.Context, codec crypto.Codec, secret []byte, unlock ble.Characteristic) error {
	if s.state != Connected {
		return fmt.Errorf("session: authenticate in state %s: %w", s.state, failure.ErrInternal)
	}
	if !codec.RequiresSecret() {
		return s.transition(Authenticated)
	}
	if err := s.transition(Authenticating); err != nil {
		return err
	}

	ex, err := s.exchanger(ctx, unlock)
	if err != nil {
		s.fail()
		return err
	}
	key, err := codec.Authenticate(ctx, ex, secret)
	if err != nil {
		s.fail()
		return fmt.Errorf("session: authenticate: %w", err)
	}
	s.key = key
	s.logger.Info("[BLE] authenticated")
	return s.transition(Authenticated)
}

// Register runs codec's bonding exchange over unlock, provisioning secret on
// the device. On success the session is Authenticated.
func (s *Session) Register(ctx context.Context, codec crypto.Registrar, secret []byte, unlock ble.Characteristic) error {
	if s.state != Connected {
		return fmt.Errorf("session: register in state %s: %w", s.state, failure.ErrInternal)
	}
	if err := s.transition(Authenticating); err != nil {
		return err
	}

	ex, err := s.exchanger(ctx, unlock)
	if err != nil {
		s.fail()
		return err
	}
	if err := codec.Register(ctx, ex, secret); err != nil {
		s.fail()
		return fmt.Errorf("session: register: %w", err)
	}
	s.key = append(crypto.SessionKey(nil), secret...)
	s.logger.Info("[BLE] secret registered")
	return s.transition(Authenticated)
}

// Transfer runs fn in the Transferring state. A failing fn leaves the
// session Failed.
func (s *Session) Transfer(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.transition(Transferring); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		s.fail()
		return err
	}
	return s.transition(Authenticated)
}

// Close disconnects and ends the session. It is idempotent and safe to call
// in any state, including after a failure or cancellation.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.state == Disconnected {
		return nil
	}

	if s.state == Connecting {
		s.fail()
	}
	var err error
	if s.state != Disconnecting {
		err = multierr.Append(err, s.transition(Disconnecting))
	}

	if s.conn != nil {
		// Runs on its own deadline so a cancelled caller still releases the link.
		derr := s.await(context.Background(), s.opts.OperationTimeout, false, s.conn.Disconnect)
		if derr != nil {
			err = multierr.Append(err, fmt.Errorf("session: disconnect: %w", derr))
		}
	}

	err = multierr.Append(err, s.transition(Disconnected))
	s.logger.Debug("[BLE] session closed")
	return err
}

// exchanger pairs writes to char with the notification that answers them.
func (s *Session) exchanger(ctx context.Context, char ble.Characteristic) (crypto.Exchanger, error) {
	st, err := s.Subscribe(ctx, char)
	if err != nil {
		return nil, err
	}
	return &charExchanger{s: s, char: char, stream: st}, nil
}

type charExchanger struct {
	s      *Session
	char   ble.Characteristic
	stream *Stream
}

func (e *charExchanger) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	e.stream.Drain()
	if err := e.s.Write(ctx, e.char, request); err != nil {
		return nil, err
	}
	return e.stream.Next(ctx)
}
