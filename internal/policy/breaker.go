package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/leo-handover/internal/logging"
)

// ErrBreakerOpen is returned without calling the operation while the breaker
// is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker fails calls fast after maxFailures consecutive failures. After
// resetTimeout a single probe call is let through; its outcome closes or
// re-opens the breaker. Caller cancellation is not counted as a failure.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	log          logging.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration, log logging.Logger) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		log:          log.With(logging.String("breaker", name)),
		now:          time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(ctx); err != nil {
		return err
	}
	err := op(ctx)
	b.record(ctx, err)
	return err
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.log.Info(ctx, "breaker probing", logging.Int("failures", b.failures))
		return nil
	default:
		// A probe is already in flight.
		return ErrBreakerOpen
	}
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && (errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled) {
		if b.state == BreakerHalfOpen {
			b.state = BreakerOpen
		}
		return
	}
	if err == nil {
		if b.state != BreakerClosed {
			b.log.Info(ctx, "breaker closed", logging.String("from", b.state.String()))
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			b.log.Warn(ctx, "breaker opened",
				logging.Int("failures", b.failures),
				logging.Err(err),
			)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
