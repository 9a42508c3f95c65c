package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrOpen is returned without calling the operation while the breaker is open.
	ErrOpen = errors.New("circuit breaker open: service unavailable")
	// ErrTimeout is returned when the operation exceeds the call timeout.
	ErrTimeout = errors.New("circuit breaker: operation timed out")
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options tune breaker behaviour.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	return o
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name        string
	State       State
	Failures    int
	LastFailure time.Time
}

// Breaker isolates failures of a single dependency.
type Breaker struct {
	name   string
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	// probing is set while the single half-open trial call is in flight.
	probing bool
}

// New constructs a closed breaker.
func New(name string, opts Options, logger zerolog.Logger) *Breaker {
	return &Breaker{
		name:   name,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
		now:    time.Now,
	}
}

// State reports the current state without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Name: b.name, State: b.state, Failures: b.failures, LastFailure: b.lastFailure}
}

// Execute runs op unless the breaker is open. The op error is returned unchanged
// after bookkeeping.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := b.call(ctx, op)
	b.after(err)
	return err
}

// Call is Execute for operations that produce a value.
func Call[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.probing {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
	default:
		if b.now().Sub(b.lastFailure) < b.opts.ResetTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = HalfOpen
		b.logger.Info().Msg("breaker half-open, probing")
	}
	b.probing = true
	return nil
}

func (b *Breaker) call(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s: %w", b.name, ErrTimeout)
		}
		return callCtx.Err()
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		if b.state == HalfOpen {
			b.logger.Info().Msg("breaker closed after successful probe")
		}
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == HalfOpen || b.failures >= b.opts.FailureThreshold {
		if b.state != Open {
			b.logger.Warn().Err(err).Int("failures", b.failures).Msg("breaker opened")
		}
		b.state = Open
	}
}
