// Package governor wires the per-order path: phase check, compliance, the
// risk gate, fragmentation and dispatch.
package governor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chidi150c/governor/internal/audit"
	"github.com/chidi150c/governor/internal/capacity"
	"github.com/chidi150c/governor/internal/compliance"
	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/risk"
	"github.com/chidi150c/governor/internal/settlement"
	"github.com/chidi150c/governor/internal/util"
)

const (
	CodePhaseClosed  = "phase_closed"
	CodeCycleMissing = "cycle_not_ready"
	CodeDuplicate    = "duplicate_order"
)

type Deps struct {
	Scheduler  *cycle.Scheduler
	Gate       *risk.Gate
	Checker    *compliance.Checker
	Dispatcher *compliance.Dispatcher
	Settlement *settlement.Service
	Sink       audit.Sink
	Log        zerolog.Logger
}

type Options struct {
	LotCeiling   int64
	OrderTimeout time.Duration // bounds the whole dispatch; 0 means none
}

type Governor struct {
	sched      *cycle.Scheduler
	gate       *risk.Gate
	checker    *compliance.Checker
	dispatcher *compliance.Dispatcher
	settle     *settlement.Service
	sink       audit.Sink
	log        zerolog.Logger

	opts    Options
	persist []func(time.Time)
	now     func() time.Time

	// parent ids seen today, keyed by user/id; a nil report means in flight
	mu        sync.Mutex
	orders    map[string]*compliance.FillReport
	ordersDay string
}

func New(deps Deps, opts Options) *Governor {
	if deps.Sink == nil {
		deps.Sink = audit.Nop{}
	}
	return &Governor{
		sched:      deps.Scheduler,
		gate:       deps.Gate,
		checker:    deps.Checker,
		dispatcher: deps.Dispatcher,
		settle:     deps.Settlement,
		sink:       deps.Sink,
		log:        deps.Log,
		opts:       opts,
		now:        time.Now,
		orders:     map[string]*compliance.FillReport{},
	}
}

// OnDecision registers fn to run after every gate decision, accepted or not.
func (g *Governor) OnDecision(fn func(time.Time)) { g.persist = append(g.persist, fn) }

// Submit runs one order through the full path. Business rejections come back
// as *risk.Rejection; a FillReport is returned only for orders that reached
// the executor. Resubmitting a parent id that already filled today returns
// the original report without touching the gate.
func (g *Governor) Submit(ctx context.Context, o compliance.OrderRequest) (compliance.FillReport, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	now := g.now()
	defer g.afterDecision(now)

	pos := g.sched.Phase(now)
	if !cycle.AcceptsOrders(pos.Phase) {
		return compliance.FillReport{}, g.reject(ctx, o, risk.Reject(risk.TierPhase, CodePhaseClosed,
			"orders are not accepted during %s", pos.Phase))
	}
	cyc := g.sched.Current()
	if cyc == nil || cyc.ID != pos.ID {
		return compliance.FillReport{}, g.reject(ctx, o, risk.Reject(risk.TierPhase, CodeCycleMissing,
			"cycle %s has no decision yet", pos.ID))
	}
	if err := g.checker.CheckOrder(o); err != nil {
		return compliance.FillReport{}, g.reject(ctx, o, err)
	}

	key, prior, err := g.claim(o, now)
	if err != nil {
		return compliance.FillReport{}, g.reject(ctx, o, err)
	}
	if prior != nil {
		g.log.Info().Str("user", o.UserID).Str("order", o.ID).Msg("order already filled today, returning original report")
		return *prior, nil
	}
	rep, err := g.execute(ctx, o, cyc, now)
	g.finish(key, rep, err)
	return rep, err
}

func (g *Governor) execute(ctx context.Context, o compliance.OrderRequest, cyc *cycle.TradingCycle, now time.Time) (compliance.FillReport, error) {
	res, err := g.gate.Evaluate(ctx, o.UserID, risk.Candidate{OrderID: o.ID, Symbol: o.Symbol, Notional: o.Notional()}, cyc.Decision, cyc.ID, now)
	if err != nil {
		return compliance.FillReport{}, err
	}
	if err := g.checker.CheckExposure(res.ExposureAfter); err != nil {
		g.gate.Release(res)
		return compliance.FillReport{}, g.reject(ctx, o, err)
	}

	fragments, err := compliance.Split(o, g.opts.LotCeiling)
	if err != nil {
		g.gate.Release(res)
		return compliance.FillReport{}, err
	}
	dctx, cancel := g.dispatchContext(ctx)
	defer cancel()
	rep := g.dispatcher.Dispatch(dctx, o, fragments)

	if rep.Filled == 0 {
		// nothing reached the market, so the order does not use capacity
		g.gate.Release(res)
		return rep, nil
	}
	g.gate.SettleFill(res, float64(rep.Filled)*o.PriceHint)
	g.sched.NoteExecution(cyc.ID)
	return rep, nil
}

// claim reserves the parent id for this trading day. It returns the earlier
// report when the id already filled, and a rejection while it is in flight.
func (g *Governor) claim(o compliance.OrderRequest, now time.Time) (string, *compliance.FillReport, error) {
	key := o.UserID + "/" + o.ID
	day := util.DayKey(g.sched.Session().TZ, now)

	g.mu.Lock()
	defer g.mu.Unlock()
	if day != g.ordersDay {
		g.orders = map[string]*compliance.FillReport{}
		g.ordersDay = day
	}
	prior, seen := g.orders[key]
	if seen && prior == nil {
		return key, nil, risk.Reject(risk.TierCompliance, CodeDuplicate, "order %s is already being processed", o.ID)
	}
	if seen {
		return key, prior, nil
	}
	g.orders[key] = nil
	return key, nil, nil
}

// finish keeps the id only when something filled, so a rejected or failed
// order may be retried under the same id.
func (g *Governor) finish(key string, rep compliance.FillReport, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil || rep.Filled == 0 {
		delete(g.orders, key)
		return
	}
	g.orders[key] = &rep
}

func (g *Governor) dispatchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.OrderTimeout > 0 {
		return context.WithTimeout(ctx, g.opts.OrderTimeout)
	}
	return context.WithCancel(ctx)
}

func (g *Governor) reject(ctx context.Context, o compliance.OrderRequest, err error) error {
	rej, ok := risk.AsRejection(err)
	if !ok {
		return err
	}
	g.log.Info().Str("user", o.UserID).Str("order", o.ID).Str("tier", string(rej.Tier)).Str("code", rej.Code).Msg(rej.Reason)
	_ = g.sink.Record(ctx, audit.New(audit.EventOrderRejected, o.UserID, map[string]any{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"tier":     rej.Tier,
		"code":     rej.Code,
		"reason":   rej.Reason,
	}))
	return rej
}

func (g *Governor) afterDecision(now time.Time) {
	for _, fn := range g.persist {
		fn(now)
	}
}

// MarkPnL feeds realized and unrealized P&L into the hard tier.
func (g *Governor) MarkPnL(ctx context.Context, userID string, realizedDelta, unrealized float64) error {
	now := g.now()
	defer g.afterDecision(now)
	return g.gate.MarkPnL(ctx, userID, realizedDelta, unrealized, now)
}

func (g *Governor) Decision() *capacity.Decision { return g.sched.Decision() }

// Cycle reports the clock-derived position and the active cycle, if any.
func (g *Governor) Cycle() (cycle.Position, *cycle.TradingCycle) {
	return g.sched.Phase(g.now()), g.sched.Current()
}

func (g *Governor) UserState(userID string) (risk.UserState, bool) { return g.gate.Snapshot(userID) }

func (g *Governor) Settlement(ctx context.Context, userID, date string) (settlement.Record, error) {
	return g.settle.Record(ctx, userID, date)
}
