package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/audit"
	"github.com/chidi150c/governor/internal/capacity"
	"github.com/chidi150c/governor/internal/policy"
	"github.com/chidi150c/governor/internal/util"
)

var (
	metricGateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "governor_gate_decisions_total", Help: "Gate decisions by outcome and reason code"}, []string{"outcome", "code"})
	metricUsersHalted   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governor_users_halted", Help: "Users halted for the rest of the trading day"})
)

func init() {
	prometheus.MustRegister(metricGateDecisions, metricUsersHalted)
}

type entry struct {
	mu sync.Mutex
	st UserState
}

// Gate evaluates candidate orders against the hard and adaptive tiers. Each
// user's state sits behind its own mutex; users never contend with each other.
type Gate struct {
	tables *policy.Tables
	limits Limits
	sink   audit.Sink
	log    zerolog.Logger

	users sync.Map // userID -> *entry

	dayMu sync.RWMutex
	day   string
}

func NewGate(tables *policy.Tables, limits Limits, sink audit.Sink, log zerolog.Logger) *Gate {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Gate{tables: tables, limits: limits, sink: sink, log: log}
}

// Register adds a user or updates an existing user's category and capital.
func (g *Gate) Register(userID, category string, capital float64) error {
	if _, err := g.tables.Leverage(category); err != nil {
		return fmt.Errorf("register %s: %w", userID, err)
	}
	v, loaded := g.users.LoadOrStore(userID, &entry{st: UserState{
		UserID:       userID,
		Category:     category,
		Capital:      capital,
		Day:          g.currentDay(),
		SymbolTrades: map[string]int{},
	}})
	if loaded {
		e := v.(*entry)
		e.mu.Lock()
		e.st.Category, e.st.Capital = category, capital
		e.mu.Unlock()
	}
	return nil
}

// UpdateCapital applies a settled capital balance.
func (g *Gate) UpdateCapital(userID string, capital float64) {
	if e, ok := g.lookup(userID); ok {
		e.mu.Lock()
		e.st.Capital = capital
		e.mu.Unlock()
	}
}

func (g *Gate) Users() []string {
	var out []string
	g.users.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (g *Gate) lookup(userID string) (*entry, bool) {
	v, ok := g.users.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (g *Gate) currentDay() string {
	g.dayMu.RLock()
	defer g.dayMu.RUnlock()
	return g.day
}

// Evaluate runs both tiers for one candidate order. On acceptance the user's
// counters and exposure are updated before returning.
func (g *Gate) Evaluate(ctx context.Context, userID string, c Candidate, d *capacity.Decision, cycleID string, now time.Time) (Reservation, error) {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	e, ok := g.lookup(userID)
	if !ok {
		rej := Reject(TierCompliance, CodeUnknownUser, "user %q is not registered", userID)
		g.emitReject(ctx, userID, c, rej)
		return Reservation{}, rej
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := &e.st

	// hard tier
	if st.Halted {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierHard, CodeHalted, "trading halted for the day: %s", st.HaltReason))
	}
	if lossCap := g.limits.Cap(st.Capital); lossCap > 0 && st.LossToday >= lossCap {
		reason := fmt.Sprintf("daily loss %.2f reached cap %.2f", st.LossToday, lossCap)
		g.halt(ctx, st, reason, now)
		return Reservation{}, g.reject(ctx, st, c, Reject(TierHard, CodeDailyLossCap, "%s", reason))
	}

	// adaptive tier
	if d == nil {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierAdaptive, CodeNoDecision, "no capacity decision for cycle %s", cycleID))
	}
	lev, err := g.tables.Leverage(st.Category)
	if err != nil {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierAdaptive, CodeExposureLimit, "%v", err))
	}
	limit := st.Capital * lev
	projected := st.Exposure + c.Notional
	if projected > limit {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierAdaptive, CodeExposureLimit,
			"projected exposure %.2f exceeds %.2f (capital %.2f x leverage %.1f)", projected, limit, st.Capital, lev))
	}
	if st.TradesToday+1 > d.Ceiling {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierAdaptive, CodeDailyCeiling,
			"daily ceiling of %d trades reached (%s)", d.Ceiling, d.Reason))
	}
	if st.CycleID != cycleID {
		st.CycleID, st.TradesThisCycle = cycleID, 0
	}
	if st.TradesThisCycle+1 > d.CycleCeiling {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierAdaptive, CodeCycleCeiling,
			"cycle %s ceiling of %d trades reached", cycleID, d.CycleCeiling))
	}
	if share, ok := d.Share(c.Symbol); ok && st.SymbolTrades[c.Symbol]+1 > share {
		return Reservation{}, g.reject(ctx, st, c, Reject(TierAdaptive, CodeSymbolAllocation,
			"%s allocation of %d trades used", c.Symbol, share))
	}

	st.TradesToday++
	st.TradesThisCycle++
	st.SymbolTrades[c.Symbol]++
	st.Exposure = projected

	metricGateDecisions.WithLabelValues("accepted", "").Inc()
	g.log.Debug().Str("user", userID).Str("order", c.OrderID).Float64("exposure", projected).Msg("order accepted")
	_ = g.sink.Record(ctx, audit.New(audit.EventOrderAccepted, userID, map[string]any{
		"order_id":       c.OrderID,
		"symbol":         c.Symbol,
		"notional":       c.Notional,
		"cycle_id":       cycleID,
		"trades_today":   st.TradesToday,
		"exposure_after": projected,
	}))
	return Reservation{
		UserID:        userID,
		OrderID:       c.OrderID,
		Day:           st.Day,
		CycleID:       cycleID,
		Symbol:        c.Symbol,
		Notional:      c.Notional,
		ExposureAfter: projected,
	}, nil
}

func (g *Gate) reject(ctx context.Context, st *UserState, c Candidate, rej *Rejection) *Rejection {
	g.emitReject(ctx, st.UserID, c, rej)
	return rej
}

func (g *Gate) emitReject(ctx context.Context, userID string, c Candidate, rej *Rejection) {
	metricGateDecisions.WithLabelValues("rejected", rej.Code).Inc()
	g.log.Info().Str("user", userID).Str("order", c.OrderID).Str("tier", string(rej.Tier)).Str("code", rej.Code).Msg(rej.Reason)
	_ = g.sink.Record(ctx, audit.New(audit.EventOrderRejected, userID, map[string]any{
		"order_id": c.OrderID,
		"symbol":   c.Symbol,
		"tier":     rej.Tier,
		"code":     rej.Code,
		"reason":   rej.Reason,
	}))
}

// halt sets the standing flag; caller holds the user's lock.
func (g *Gate) halt(ctx context.Context, st *UserState, reason string, now time.Time) {
	if st.Halted {
		return
	}
	st.Halted, st.HaltReason, st.HaltedAt = true, reason, now
	metricUsersHalted.Inc()
	g.log.Warn().Str("user", st.UserID).Str("reason", reason).Msg("user halted for the day")
	_ = g.sink.Record(ctx, audit.New(audit.EventUserHalted, st.UserID, map[string]any{"reason": reason}))
}

// Release undoes a reservation whose order was rejected downstream.
func (g *Gate) Release(res Reservation) {
	e, ok := g.lookup(res.UserID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &e.st
	if st.Day != res.Day {
		return
	}
	st.TradesToday = max(0, st.TradesToday-1)
	if st.CycleID == res.CycleID {
		st.TradesThisCycle = max(0, st.TradesThisCycle-1)
	}
	if n := st.SymbolTrades[res.Symbol]; n > 0 {
		st.SymbolTrades[res.Symbol] = n - 1
	}
	st.Exposure = max(0, st.Exposure-res.Notional)
}

// SettleFill frees the exposure reserved for quantity that never filled.
func (g *Gate) SettleFill(res Reservation, filledNotional float64) {
	unfilled := res.Notional - filledNotional
	if unfilled <= 0 {
		return
	}
	g.ReduceExposure(res.UserID, unfilled)
}

// ReduceExposure records closed or unfilled notional.
func (g *Gate) ReduceExposure(userID string, notional float64) {
	e, ok := g.lookup(userID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.st.Exposure = max(0, e.st.Exposure-notional)
	e.mu.Unlock()
}

// MarkPnL adds realized P&L and replaces the unrealized mark. The day's loss
// is the negative part of their sum; reaching the cap halts the user at once.
func (g *Gate) MarkPnL(ctx context.Context, userID string, realizedDelta, unrealized float64, now time.Time) error {
	e, ok := g.lookup(userID)
	if !ok {
		return fmt.Errorf("mark pnl: unknown user %q", userID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &e.st
	st.RealizedPnL += realizedDelta
	st.UnrealizedPnL = unrealized
	st.LossToday = max(0, -(st.RealizedPnL + st.UnrealizedPnL))
	if lossCap := g.limits.Cap(st.Capital); lossCap > 0 && st.LossToday >= lossCap {
		g.halt(ctx, st, fmt.Sprintf("daily loss %.2f reached cap %.2f", st.LossToday, lossCap), now)
	}
	return nil
}

// Snapshot returns a copy of a user's state.
func (g *Gate) Snapshot(userID string) (UserState, bool) {
	e, ok := g.lookup(userID)
	if !ok {
		return UserState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone(), true
}

// DailyPnL reports the tracked gross P&L for a settled day.
func (g *Gate) DailyPnL(_ context.Context, userID, date string) (decimal.Decimal, error) {
	st, ok := g.Snapshot(userID)
	if !ok {
		return decimal.Zero, fmt.Errorf("daily pnl: unknown user %q", userID)
	}
	if st.Day != date {
		return decimal.Zero, fmt.Errorf("daily pnl: %s tracks %s, not %s", userID, st.Day, date)
	}
	return decimal.NewFromFloat(st.RealizedPnL + st.UnrealizedPnL).Round(2), nil
}

// ResetDay clears every user's counters and halt flag for a new trading day.
func (g *Gate) ResetDay(ctx context.Context, day string) {
	g.dayMu.Lock()
	g.day = day
	g.dayMu.Unlock()

	g.users.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		e.st = UserState{
			UserID:       e.st.UserID,
			Category:     e.st.Category,
			Capital:      e.st.Capital,
			Day:          day,
			SymbolTrades: map[string]int{},
		}
		e.mu.Unlock()
		return true
	})
	metricUsersHalted.Set(0)
	g.log.Info().Str("day", day).Msg("trading day reset")
	_ = g.sink.Record(ctx, audit.New(audit.EventDayReset, "", map[string]any{"day": day}))
}

// Restore loads persisted counters for the current day. Unknown users are
// skipped; registration stays the source of truth for who may trade.
func (g *Gate) Restore(day string, users map[string]util.UserCounters) {
	halted := 0
	for id, c := range users {
		e, ok := g.lookup(id)
		if !ok {
			g.log.Warn().Str("user", id).Msg("snapshot user not registered, skipped")
			continue
		}
		e.mu.Lock()
		st := &e.st
		st.Day = day
		if c.Capital > 0 {
			st.Capital = c.Capital
		}
		st.TradesToday = c.TradesToday
		st.SymbolTrades = map[string]int{}
		for k, v := range c.SymbolTrades {
			st.SymbolTrades[k] = v
		}
		st.LossToday = c.LossToday
		st.RealizedPnL = c.RealizedPnL
		st.UnrealizedPnL = c.UnrealizedPnL
		st.Exposure = c.Exposure
		st.Halted, st.HaltReason = c.Halted, c.HaltReason
		if c.Halted {
			halted++
		}
		e.mu.Unlock()
	}
	metricUsersHalted.Set(float64(halted))
}

// Counters exports the durable part of every user's state.
func (g *Gate) Counters() map[string]util.UserCounters {
	out := map[string]util.UserCounters{}
	g.users.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		st := e.st.clone()
		e.mu.Unlock()
		out[k.(string)] = util.UserCounters{
			Category:      st.Category,
			Capital:       st.Capital,
			TradesToday:   st.TradesToday,
			SymbolTrades:  st.SymbolTrades,
			LossToday:     st.LossToday,
			RealizedPnL:   st.RealizedPnL,
			UnrealizedPnL: st.UnrealizedPnL,
			Exposure:      st.Exposure,
			Halted:        st.Halted,
			HaltReason:    st.HaltReason,
		}
		return true
	})
	return out
}
