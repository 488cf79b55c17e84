// Package retry runs an operation and retries it while the server answers
// "rate limited", waiting an exponentially growing delay between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
)

// Defaults used when a Policy field is zero.
const (
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultMaxRetryAfter = 30 * time.Second
)

// Policy bounds the retry loop. MaxRetries is the total number of
// rate-limited attempts tolerated: with 3, the operation runs at most three
// times and waits at most twice.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 1 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(DefaultMaxDelay, p.BaseDelay)
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = DefaultMaxRetryAfter
	}
	return p
}

// Retrier executes operations under a Policy using Clock for every wait.
type Retrier struct {
	Policy Policy
	Clock  clockwork.Clock
	Logger zerolog.Logger

	// OnWait, when set, observes each scheduled wait before it starts.
	OnWait func(attempt int, delay time.Duration)
}

// New returns a Retrier on the real clock.
func New(p Policy, logger zerolog.Logger) *Retrier {
	return &Retrier{Policy: p, Clock: clockwork.NewRealClock(), Logger: logger}
}

// schedule yields the wait before each retry: BaseDelay doubling up to
// MaxDelay, raised to the server hint when that is larger, and never
// shorter than the previous wait.
type schedule struct {
	exp           *backoff.ExponentialBackOff
	maxRetryAfter time.Duration
	prev          time.Duration
}

func newSchedule(p Policy) *schedule {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = p.MaxDelay
	exp.Reset()
	return &schedule{exp: exp, maxRetryAfter: p.MaxRetryAfter}
}

func (s *schedule) next(hint time.Duration, ok bool) time.Duration {
	d := s.exp.NextBackOff()
	if ok {
		d = max(d, min(hint, s.maxRetryAfter))
	}
	d = max(d, s.prev)
	s.prev = d
	return d
}

// Delays returns the waits a sequence of rate-limited failures carrying
// hints would produce. A zero hint means none was sent.
func (p Policy) Delays(hints ...time.Duration) []time.Duration {
	s := newSchedule(p.withDefaults())
	out := make([]time.Duration, 0, len(hints))
	for _, h := range hints {
		out = append(out, s.next(h, h > 0))
	}
	return out
}

// Do runs op until it succeeds, fails with anything other than a rate
// limit, or exhausts the policy. Cancelling ctx during a wait stops the
// timer and returns ctx.Err() without calling op again.
func Do[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, error) {
	var zero T
	p := r.Policy.withDefaults()
	clock := r.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sched := newSchedule(p)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !apierr.IsRateLimited(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			r.Logger.Warn().Int("attempts", attempt).Msg("rate_limited_giving_up")
			return zero, err
		}

		hint, ok := apierr.RetryAfterOf(err)
		delay := sched.next(hint, ok)
		r.Logger.Debug().Int("attempt", attempt).Dur("delay", delay).Bool("retry_after", ok).Msg("rate_limited_retrying")
		if r.OnWait != nil {
			r.OnWait(attempt, delay)
		}

		t := clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.Chan():
		}
	}
}
