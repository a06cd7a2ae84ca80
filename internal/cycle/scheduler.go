package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chidi150c/governor/internal/audit"
	"github.com/chidi150c/governor/internal/capacity"
	"github.com/chidi150c/governor/internal/policy"
)

var (
	metricPhase        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governor_cycle_phase", Help: "0=closed, 1=signal, 2..4=exec windows"})
	metricCeiling      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governor_daily_ceiling", Help: "Daily trade ceiling of the current decision"})
	metricCycleCeiling = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governor_cycle_ceiling", Help: "Per-cycle trade ceiling of the current decision"})
	metricFailClosed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_decisions_fail_closed_total", Help: "Cycles that ran on the fail-closed decision"})
)

func init() {
	prometheus.MustRegister(metricPhase, metricCeiling, metricCycleCeiling, metricFailClosed)
}

// ErrJoinedLate marks a cycle first observed after its signal window.
var ErrJoinedLate = errors.New("cycle joined late")

// TradingCycle is one 15-minute window. Only the execution count changes.
type TradingCycle struct {
	ID       string             `json:"id"`
	Index    int                `json:"index"`
	Start    time.Time          `json:"start"`
	Decision *capacity.Decision `json:"decision"`

	executions atomic.Int64
}

func (c *TradingCycle) Executions() int64 { return c.executions.Load() }

type Config struct {
	Session Session
	Tick    time.Duration // default 5s
	Window  int           // trailing confidence readings, default 8
}

// Scheduler recomputes the phase from the wall clock on every tick, requests
// one signal per cycle and publishes the cycle's decision.
type Scheduler struct {
	tables  *policy.Tables
	src     SignalSource
	session Session
	tick    time.Duration
	sink    audit.Sink
	log     zerolog.Logger

	mu     sync.Mutex // serialises ticks
	window *ConfidenceWindow
	last   Position
	hooks  []func(context.Context, time.Time)

	decision atomic.Pointer[capacity.Decision]
	cycle    atomic.Pointer[TradingCycle]
	pos      atomic.Pointer[Position]

	now func() time.Time
}

func NewScheduler(tables *policy.Tables, src SignalSource, cfg Config, sink audit.Sink, log zerolog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 8
	}
	if cfg.Session.Close == 0 {
		cfg.Session = DefaultSession()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	s := &Scheduler{
		tables:  tables,
		src:     src,
		session: cfg.Session,
		tick:    cfg.Tick,
		sink:    sink,
		log:     log,
		window:  NewConfidenceWindow(cfg.Window),
		last:    Position{Phase: PhaseClosed, Index: -1},
		now:     time.Now,
	}
	// nothing trades before the first signal
	d := capacity.FailClosed(tables, errors.New("no signal yet"), time.Time{})
	s.decision.Store(&d)
	s.pos.Store(&Position{Phase: PhaseClosed, Index: -1})
	return s
}

// OnTick registers fn to run at the start of every tick, before the phase is
// evaluated. Register before Run.
func (s *Scheduler) OnTick(fn func(context.Context, time.Time)) {
	s.hooks = append(s.hooks, fn)
}

func (s *Scheduler) Session() Session { return s.session }

// Run ticks until ctx is done. A paused process simply resumes on the
// current phase at the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("tick", s.tick).Str("tz", s.session.TZ).Msg("cycle scheduler started")
	t := time.NewTicker(s.tick)
	defer t.Stop()
	s.At(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("cycle scheduler stopped")
			return ctx.Err()
		case <-t.C:
			s.At(ctx, s.now())
		}
	}
}

// At processes one tick at the given instant and returns the position.
func (s *Scheduler) At(ctx context.Context, now time.Time) Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fn := range s.hooks {
		fn(ctx, now)
	}

	pos := s.session.PhaseAt(now)
	prev := s.last
	s.last = pos
	p := pos
	s.pos.Store(&p)
	metricPhase.Set(float64(pos.Phase))

	if pos.Phase == prev.Phase && pos.ID == prev.ID {
		return pos
	}
	s.log.Info().Str("cycle", pos.ID).Str("from", prev.Phase.String()).Str("to", pos.Phase.String()).Msg("phase change")
	_ = s.sink.Record(ctx, audit.New(audit.EventPhaseChanged, "", map[string]any{
		"cycle": pos.ID,
		"from":  prev.Phase.String(),
		"to":    pos.Phase.String(),
	}))

	if pos.Phase == PhaseClosed {
		s.cycle.Store(nil)
		return pos
	}
	if pos.ID != prev.ID {
		var d capacity.Decision
		if pos.Phase == PhaseSignal {
			d = s.decide(ctx, now)
		} else {
			d = capacity.FailClosed(s.tables, ErrJoinedLate, now)
		}
		s.publish(ctx, pos, d)
	}
	return pos
}

func (s *Scheduler) decide(ctx context.Context, now time.Time) capacity.Decision {
	sig, err := s.src.GetSignal(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("signal source failed, failing closed")
		return capacity.FailClosed(s.tables, fmt.Errorf("signal: %w", err), now)
	}
	if !s.window.Push(sig.Confidence) {
		// let Decide report the malformed reading
		return capacity.Decide(s.tables, capacity.Input{Volatility: sig.Volatility, Confidence: sig.Confidence, Now: now})
	}
	mean, _ := s.window.Mean()
	return capacity.Decide(s.tables, capacity.Input{
		Volatility: sig.Volatility,
		Confidence: mean,
		Quality:    sig.SymbolQuality,
		Flags:      sig.Flags,
		Now:        now,
	})
}

func (s *Scheduler) publish(ctx context.Context, pos Position, d capacity.Decision) {
	s.decision.Store(&d)
	s.cycle.Store(&TradingCycle{ID: pos.ID, Index: pos.Index, Start: pos.Start, Decision: &d})
	metricCeiling.Set(float64(d.Ceiling))
	metricCycleCeiling.Set(float64(d.CycleCeiling))
	if d.FailClosed {
		metricFailClosed.Inc()
	}
	s.log.Info().
		Str("cycle", pos.ID).
		Str("bucket", d.Bucket).
		Int("ceiling", d.Ceiling).
		Int("cycle_ceiling", d.CycleCeiling).
		Str("reason", d.Reason).
		Msg("capacity decision")
	_ = s.sink.Record(ctx, audit.New(audit.EventDecisionIssued, "", map[string]any{
		"cycle":         pos.ID,
		"bucket":        d.Bucket,
		"ceiling":       d.Ceiling,
		"cycle_ceiling": d.CycleCeiling,
		"reason":        d.Reason,
		"fail_closed":   d.FailClosed,
		"allocation":    d.Allocation,
	}))
}

// Decision returns the published decision. Readers never lock.
func (s *Scheduler) Decision() *capacity.Decision { return s.decision.Load() }

// Current returns the active cycle, nil outside the session.
func (s *Scheduler) Current() *TradingCycle { return s.cycle.Load() }

// Position returns the phase seen at the last tick.
func (s *Scheduler) Position() Position { return *s.pos.Load() }

// Phase derives the phase at now without waiting for a tick.
func (s *Scheduler) Phase(now time.Time) Position { return s.session.PhaseAt(now) }

// NoteExecution counts an accepted order against its cycle.
func (s *Scheduler) NoteExecution(cycleID string) {
	if c := s.cycle.Load(); c != nil && c.ID == cycleID {
		c.executions.Add(1)
	}
}
