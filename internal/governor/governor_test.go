package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/governor/internal/audit"
	"github.com/chidi150c/governor/internal/compliance"
	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/paper"
	"github.com/chidi150c/governor/internal/policy"
	"github.com/chidi150c/governor/internal/risk"
	"github.com/chidi150c/governor/internal/settlement"
	"github.com/chidi150c/governor/internal/util"
)

var (
	ctx = context.Background()
	ist = util.Location("Asia/Kolkata")
)

func at(h, m int) time.Time { return time.Date(2026, 10, 16, h, m, 0, 0, ist) }

type steadySource struct{}

func (steadySource) GetSignal(context.Context) (cycle.Signal, error) {
	return cycle.Signal{Confidence: 0.6, Volatility: 12}, nil
}

type failingExec struct{}

func (failingExec) Submit(context.Context, compliance.OrderFragment) (compliance.ExecutionResult, error) {
	return compliance.ExecutionResult{Attempts: 1}, errors.New("broker unreachable")
}

type fixture struct {
	gov   *Governor
	gate  *risk.Gate
	sched *cycle.Scheduler
	mem   *audit.Memory
}

func newFixture(t *testing.T, exec compliance.Executor, maxExposure float64) fixture {
	t.Helper()
	tables := policy.Default()
	mem := &audit.Memory{}
	log := zerolog.Nop()

	gate := risk.NewGate(tables, risk.Limits{DailyLossCap: 10_000}, mem, log)
	gate.ResetDay(ctx, "2026-10-16")
	require.NoError(t, gate.Register("u1", "standard", 1_000_000))

	sched := cycle.NewScheduler(tables, steadySource{}, cycle.Config{Session: cycle.DefaultSession()}, mem, log)
	book := settlement.NewAccountBook()
	book.Open(settlement.Account{UserID: "u1", Category: "standard", Tier: "S3", Capital: decimal.NewFromInt(1_000_000)})
	svc := settlement.NewService(settlement.NewEngine(tables), settlement.NewMemoryStore(), book, gate, mem, log)

	gov := New(Deps{
		Scheduler:  sched,
		Gate:       gate,
		Checker:    compliance.NewChecker(tables.Symbols(), maxExposure),
		Dispatcher: compliance.NewDispatcher(exec, mem, log),
		Settlement: svc,
		Sink:       mem,
		Log:        log,
	}, Options{LotCeiling: 250, OrderTimeout: time.Second})
	return fixture{gov: gov, gate: gate, sched: sched, mem: mem}
}

// openCycle ticks the scheduler through the signal window and moves the
// governor clock into EXEC_1.
func (f fixture) openCycle() {
	f.sched.At(ctx, at(10, 0))
	f.gov.now = func() time.Time { return at(10, 3) }
}

func order(qty int64) compliance.OrderRequest {
	return compliance.OrderRequest{ID: "ord-1", UserID: "u1", Symbol: "NIFTY", Side: compliance.Buy, Quantity: qty, PriceHint: 100}
}

func tier(t *testing.T, err error) risk.Tier {
	t.Helper()
	rej, ok := risk.AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	return rej.Tier
}

func TestSubmit_SplitsAndFills(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()

	rep, err := f.gov.Submit(ctx, order(620))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFilled, rep.Status)
	require.Len(t, rep.Fragments, 3)
	assert.EqualValues(t, 120, rep.Fragments[2].Fragment.Quantity)

	st, _ := f.gate.Snapshot("u1")
	assert.Equal(t, 1, st.TradesToday)
	assert.Equal(t, 62_000.0, st.Exposure)
	assert.EqualValues(t, 1, f.sched.Current().Executions())
}

func TestSubmit_AssignsOrderID(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	o := order(10)
	o.ID = ""
	rep, err := f.gov.Submit(ctx, o)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.ParentID)
}

func TestSubmit_OutsideExecutionWindows(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.sched.At(ctx, at(10, 0))

	f.gov.now = func() time.Time { return at(10, 1) }
	_, err := f.gov.Submit(ctx, order(10))
	assert.Equal(t, risk.TierPhase, tier(t, err))

	f.gov.now = func() time.Time { return at(16, 0) }
	_, err = f.gov.Submit(ctx, order(10))
	assert.Equal(t, risk.TierPhase, tier(t, err))
	assert.Len(t, f.mem.OfType(audit.EventOrderRejected), 2)
}

func TestSubmit_CycleWithoutDecision(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.gov.now = func() time.Time { return at(10, 3) }
	_, err := f.gov.Submit(ctx, order(10))
	rej, ok := risk.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, CodeCycleMissing, rej.Code)
}

func TestSubmit_ComplianceRejectsBeforeGate(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	o := order(10)
	o.Symbol = "RELIANCE"
	_, err := f.gov.Submit(ctx, o)
	assert.Equal(t, risk.TierCompliance, tier(t, err))
	st, _ := f.gate.Snapshot("u1")
	assert.Zero(t, st.TradesToday)
}

func TestSubmit_NormalisesSymbol(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	o := order(10)
	o.Symbol = " nifty "
	rep, err := f.gov.Submit(ctx, o)
	require.NoError(t, err)
	require.Len(t, rep.Fragments, 1)
	assert.Equal(t, "NIFTY", rep.Fragments[0].Fragment.Symbol)

	st, _ := f.gate.Snapshot("u1")
	assert.Equal(t, 1, st.SymbolTrades["NIFTY"])
	assert.NotContains(t, st.SymbolTrades, "nifty")
	assert.NotContains(t, st.SymbolTrades, " nifty ")
}

func TestSubmit_ZeroPriceHintRejected(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 50_000)
	f.openCycle()
	o := order(1_000_000)
	o.PriceHint = 0
	_, err := f.gov.Submit(ctx, o)
	rej, ok := risk.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, compliance.CodeInvalidOrder, rej.Code)

	st, _ := f.gate.Snapshot("u1")
	assert.Zero(t, st.TradesToday)
	assert.Zero(t, st.Exposure)
}

func TestSubmit_ReplayedOrderIDCountsOnce(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()

	first, err := f.gov.Submit(ctx, order(300))
	require.NoError(t, err)
	again, err := f.gov.Submit(ctx, order(300))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	st, _ := f.gate.Snapshot("u1")
	assert.Equal(t, 1, st.TradesToday)
	assert.Equal(t, 30_000.0, st.Exposure)
	assert.Equal(t, 1, st.SymbolTrades["NIFTY"])
	assert.EqualValues(t, 1, f.sched.Current().Executions())
	assert.Len(t, f.mem.OfType(audit.EventOrderAccepted), 1)

	// another user may reuse the id
	require.NoError(t, f.gate.Register("u2", "standard", 1_000_000))
	o := order(300)
	o.UserID = "u2"
	_, err = f.gov.Submit(ctx, o)
	require.NoError(t, err)
	st2, _ := f.gate.Snapshot("u2")
	assert.Equal(t, 1, st2.TradesToday)
}

func TestSubmit_FailedOrderIDMayRetry(t *testing.T) {
	f := newFixture(t, failingExec{}, 0)
	f.openCycle()
	rep, err := f.gov.Submit(ctx, order(10))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFailed, rep.Status)

	f.gov.dispatcher = compliance.NewDispatcher(paper.NewExecutor(zerolog.Nop()), f.mem, zerolog.Nop())
	rep, err = f.gov.Submit(ctx, order(10))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFilled, rep.Status)
	st, _ := f.gate.Snapshot("u1")
	assert.Equal(t, 1, st.TradesToday)
}

func TestSubmit_InFlightDuplicateRejected(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	_, _, err := f.gov.claim(order(10), at(10, 3))
	require.NoError(t, err)

	_, err = f.gov.Submit(ctx, order(10))
	rej, ok := risk.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, CodeDuplicate, rej.Code)
	assert.Equal(t, risk.TierCompliance, rej.Tier)
}

func TestSubmit_OrderIDsResetDaily(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	_, err := f.gov.Submit(ctx, order(10))
	require.NoError(t, err)

	_, prior, err := f.gov.claim(order(10), at(10, 3).AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Nil(t, prior)
}

func TestSubmit_ExposureCeilingReleasesReservation(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 50_000)
	f.openCycle()
	_, err := f.gov.Submit(ctx, order(620))
	rej, ok := risk.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, compliance.CodeExposureCeiling, rej.Code)

	st, _ := f.gate.Snapshot("u1")
	assert.Zero(t, st.TradesToday)
	assert.Zero(t, st.Exposure)
	assert.Zero(t, st.SymbolTrades["NIFTY"])
}

func TestSubmit_FailedDispatchReleasesReservation(t *testing.T) {
	f := newFixture(t, failingExec{}, 0)
	f.openCycle()
	rep, err := f.gov.Submit(ctx, order(300))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFailed, rep.Status)
	assert.Len(t, rep.Fragments, 2)

	st, _ := f.gate.Snapshot("u1")
	assert.Zero(t, st.TradesToday)
	assert.Zero(t, st.Exposure)
	assert.Zero(t, f.sched.Current().Executions())
}

func TestSubmit_HaltIsDistinctFromDeferral(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()

	// cycle ceiling is 4 at neutral confidence
	for i := 0; i < 4; i++ {
		o := order(1)
		o.ID = ""
		_, err := f.gov.Submit(ctx, o)
		require.NoError(t, err)
	}
	_, err := f.gov.Submit(ctx, order(1))
	assert.Equal(t, risk.TierAdaptive, tier(t, err))
	assert.False(t, risk.IsHalt(err))

	require.NoError(t, f.gov.MarkPnL(ctx, "u1", -10_000, 0))
	_, err = f.gov.Submit(ctx, order(1))
	assert.True(t, risk.IsHalt(err))
}

func TestSubmit_PersistsAfterEveryDecision(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	calls := 0
	f.gov.OnDecision(func(time.Time) { calls++ })
	_, _ = f.gov.Submit(ctx, order(10))
	o := order(10)
	o.Symbol = "XYZ"
	_, _ = f.gov.Submit(ctx, o)
	_ = f.gov.MarkPnL(ctx, "u1", 50, 0)
	assert.Equal(t, 3, calls)
}

func TestQueries(t *testing.T) {
	f := newFixture(t, paper.NewExecutor(zerolog.Nop()), 0)
	f.openCycle()
	pos, cyc := f.gov.Cycle()
	assert.Equal(t, cycle.PhaseExec1, pos.Phase)
	require.NotNil(t, cyc)
	assert.Equal(t, pos.ID, cyc.ID)
	assert.Equal(t, 180, f.gov.Decision().Ceiling)

	_, ok := f.gov.UserState("u1")
	assert.True(t, ok)

	require.NoError(t, f.gov.MarkPnL(ctx, "u1", 2_000, 0))
	_, err := f.gov.settle.SettleUser(ctx, "u1", "2026-10-16")
	require.NoError(t, err)
	rec, err := f.gov.Settlement(ctx, "u1", "2026-10-16")
	require.NoError(t, err)
	assert.True(t, rec.Gross.Equal(decimal.NewFromInt(2_000)))

	_, err = f.gov.Settlement(ctx, "u1", "2026-10-15")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}
