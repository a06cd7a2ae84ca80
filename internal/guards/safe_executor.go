package guards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/chidi150c/governor/internal/compliance"
)

var (
	metricFragmentsAttempted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_fragments_attempted_total", Help: "Fragment submissions attempted, retries included"})
	metricFragmentsPlaced     = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_fragments_placed_total", Help: "Fragments accepted by the broker"})
	metricFragmentsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_fragments_failed_total", Help: "Fragments that failed after retries"})
	metricFragmentsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_fragments_suppressed_total", Help: "Fragments blocked by the safety layer (duplicate/breaker/rate)"})
	metricBreakerState        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governor_breaker_state", Help: "0=closed, 1=half_open, 2=open"})
	metricRateTokens          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governor_rate_tokens", Help: "Tokens left in the submission limiter"})
)

func init() {
	prometheus.MustRegister(
		metricFragmentsAttempted, metricFragmentsPlaced, metricFragmentsFailed,
		metricFragmentsSuppressed, metricBreakerState, metricRateTokens,
	)
	metricBreakerState.Set(0)
}

// ErrBrokerRejected is returned when the broker answers but declines the
// fragment. It is never retried.
var ErrBrokerRejected = errors.New("broker rejected fragment")

type Options struct {
	PerMinute        int           // submissions per minute; 0 disables limiting
	Burst            int           // limiter burst; defaults to 1
	MaxRetries       int           // retries after the first attempt
	Backoff          time.Duration // initial retry interval
	BreakerThreshold int           // consecutive failures that open the breaker
	BreakerCooldown  time.Duration // open -> half-open
	HalfOpenProbes   int
	Timeout          time.Duration // per attempt; 0 means none
}

// SafeExecutor wraps an executor with a rate limit, retries with backoff, a
// circuit breaker and duplicate suppression keyed on fragment id.
type SafeExecutor struct {
	inner compliance.Executor
	opts  Options
	log   zerolog.Logger

	lim *rate.Limiter
	cb  *gobreaker.CircuitBreaker

	mu   sync.Mutex
	done map[string]compliance.ExecutionResult
}

func NewSafeExecutor(inner compliance.Executor, opts Options, log zerolog.Logger) *SafeExecutor {
	if opts.BreakerThreshold < 1 {
		opts.BreakerThreshold = 3
	}
	if opts.HalfOpenProbes < 1 {
		opts.HalfOpenProbes = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	s := &SafeExecutor{inner: inner, opts: opts, log: log, done: make(map[string]compliance.ExecutionResult)}
	if opts.PerMinute > 0 {
		s.lim = rate.NewLimiter(rate.Limit(float64(opts.PerMinute)/60.0), opts.Burst)
	}
	threshold := uint32(opts.BreakerThreshold)
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "executor",
		MaxRequests: uint32(opts.HalfOpenProbes),
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= threshold },
		OnStateChange: func(name string, from, to gobreaker.State) {
			metricBreakerState.Set(breakerGauge(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return s
}

func breakerGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// BreakerState reports the breaker state for health output.
func (s *SafeExecutor) BreakerState() string { return s.cb.State().String() }

// Submit places one fragment. A fragment id that already succeeded returns the
// cached result without reaching the broker.
func (s *SafeExecutor) Submit(ctx context.Context, f compliance.OrderFragment) (compliance.ExecutionResult, error) {
	if res, ok := s.cached(f.ID); ok {
		metricFragmentsSuppressed.Inc()
		s.log.Debug().Str("fragment", f.ID).Msg("duplicate fragment suppressed")
		return res, nil
	}

	var (
		res      compliance.ExecutionResult
		attempts int
	)
	op := func() error {
		if s.lim != nil {
			if err := s.lim.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			metricRateTokens.Set(s.lim.Tokens())
		}
		attempts++
		metricFragmentsAttempted.Inc()
		out, err := s.cb.Execute(func() (interface{}, error) {
			actx, cancel := s.attemptContext(ctx)
			defer cancel()
			return s.inner.Submit(actx, f)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metricFragmentsSuppressed.Inc()
			return backoff.Permanent(fmt.Errorf("fragment %s: %w", f.ID, err))
		}
		if err != nil {
			return err
		}
		res = out.(compliance.ExecutionResult)
		if !res.Accepted {
			return backoff.Permanent(fmt.Errorf("fragment %s: %w", f.ID, ErrBrokerRejected))
		}
		return nil
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff(backoff.WithInitialInterval(s.opts.Backoff))
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.opts.MaxRetries, 0))), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		s.log.Warn().Err(err).Str("fragment", f.ID).Dur("retry_in", d).Msg("fragment submit failed, retrying")
	})
	res.Attempts = attempts
	if err != nil {
		metricFragmentsFailed.Inc()
		return res, err
	}
	metricFragmentsPlaced.Inc()
	s.remember(f.ID, res)
	return res, nil
}

func (s *SafeExecutor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *SafeExecutor) cached(id string) (compliance.ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.done[id]
	return res, ok
}

func (s *SafeExecutor) remember(id string, res compliance.ExecutionResult) {
	s.mu.Lock()
	s.done[id] = res
	s.mu.Unlock()
}

// Forget drops cached results, called at the day reset.
func (s *SafeExecutor) Forget() {
	s.mu.Lock()
	s.done = make(map[string]compliance.ExecutionResult)
	s.mu.Unlock()
}
