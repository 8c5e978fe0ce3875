package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sweeney/solar-ems/internal/logic"
)

// GuardOptions configures Guarded.
type GuardOptions struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// MaxFailures consecutive failed fetches open the breaker.
	MaxFailures int
	// OpenTimeout is how long the breaker stays open before a trial fetch.
	OpenTimeout time.Duration
	// BackOff builds the retry schedule for one fetch. Nil means
	// exponential backoff starting at 200ms.
	BackOff func() backoff.BackOff
	// OnStateChange is called after the breaker changes state.
	OnStateChange func(from, to string)
}

// Guarded wraps a Fetcher with retries and a circuit breaker.
type Guarded struct {
	next   Fetcher
	cb     *gobreaker.CircuitBreaker
	opts   GuardOptions
	logger *slog.Logger
}

// NewGuarded wraps next.
func NewGuarded(next Fetcher, opts GuardOptions, logger *slog.Logger) *Guarded {
	if opts.BackOff == nil {
		opts.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Guarded{next: next, opts: opts, logger: logger}
	maxFailures := uint32(opts.MaxFailures)
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telemetry",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				g.logger.Error("telemetry breaker open", "from", from.String(), "retry_in", opts.OpenTimeout)
			} else {
				g.logger.Warn("telemetry breaker state", "from", from.String(), "to", to.String())
			}
			if opts.OnStateChange != nil {
				opts.OnStateChange(from.String(), to.String())
			}
		},
	})
	return g
}

// Fetch retries transient failures of the wrapped fetcher. A missing
// field is returned at once. While the breaker is open Fetch fails
// immediately with gobreaker.ErrOpenState.
func (g *Guarded) Fetch(ctx context.Context, now time.Time) (logic.Snapshot, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		var snap logic.Snapshot
		attempt := 0
		op := func() error {
			attempt++
			s, err := g.next.Fetch(ctx, now)
			if err != nil {
				var mf *MissingFieldError
				if errors.As(err, &mf) {
					return backoff.Permanent(err)
				}
				g.logger.Debug("fetch attempt failed", "attempt", attempt, "error", err)
				return err
			}
			snap = s
			return nil
		}
		b := backoff.WithMaxRetries(g.opts.BackOff(), uint64(g.opts.MaxRetries))
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			return nil, err
		}
		return snap, nil
	})
	if err != nil {
		return logic.Snapshot{}, err
	}
	return res.(logic.Snapshot), nil
}

// State returns the breaker state: "closed", "half-open" or "open".
func (g *Guarded) State() string {
	return g.cb.State().String()
}
