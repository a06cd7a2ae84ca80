package capacity

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/governor/internal/policy"
)

var now = time.Date(2026, 10, 16, 9, 15, 0, 0, time.UTC)

func sum(shares []SymbolShare) int {
	n := 0
	for _, s := range shares {
		n += s.Trades
	}
	return n
}

func TestBucket_Bands(t *testing.T) {
	tb := policy.Default()
	cases := []struct {
		vol  float64
		want string
	}{
		{0, "calm"}, {12, "calm"}, {14.99, "calm"},
		{15, "normal"}, {19.5, "normal"},
		{20, "elevated"}, {25, "elevated"},
		{30, "stressed"}, {95, "stressed"},
	}
	for _, tc := range cases {
		b, err := Bucket(tb, tc.vol)
		require.NoError(t, err)
		assert.Equal(t, tc.want, b.Name, "vol=%v", tc.vol)
	}
}

func TestBucket_Malformed(t *testing.T) {
	tb := policy.Default()
	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := Bucket(tb, v)
		assert.ErrorIs(t, err, ErrMalformedVolatility)
	}
}

func TestDecide_HighConfidenceCalm(t *testing.T) {
	d := Decide(policy.Default(), Input{Volatility: 12, Confidence: 0.85, Now: now})
	assert.Equal(t, 180, d.Guideline)
	assert.Equal(t, 216, d.Ceiling)
	assert.Equal(t, "exceed: high confidence", d.Reason)
	assert.Equal(t, 5, d.CycleCeiling)
	assert.Equal(t, 216, sum(d.Allocation))
	assert.False(t, d.FailClosed)
}

func TestDecide_LowConfidenceElevated(t *testing.T) {
	d := Decide(policy.Default(), Input{Volatility: 25, Confidence: 0.45, Now: now})
	assert.Equal(t, 90, d.Guideline)
	assert.Equal(t, 63, d.Ceiling)
	assert.Equal(t, "reduce: low confidence", d.Reason)
	assert.Equal(t, 3, d.CycleCeiling)
	assert.Equal(t, 63, sum(d.Allocation))
}

func TestDecide_PureFunctionOfInput(t *testing.T) {
	tb := policy.Default()
	for v := 0.0; v < 60; v += 0.7 {
		in := Input{Volatility: v, Confidence: 0.6, Now: now}
		assert.Equal(t, Decide(tb, in), Decide(tb, in))
	}
}

func TestAdjust_ConfidenceBounds(t *testing.T) {
	rules := policy.Default().Confidence
	for g := 0; g <= 250; g += 7 {
		for c := 0.0; c <= 1.0001; c += 0.01 {
			ceiling, _ := Adjust(g, c, Flags{}, rules)
			switch {
			case c > 0.80:
				assert.GreaterOrEqual(t, ceiling, g, "g=%d c=%.2f", g, c)
			case c < 0.50:
				assert.LessOrEqual(t, ceiling, g, "g=%d c=%.2f", g, c)
			default:
				assert.Equal(t, g, ceiling, "g=%d c=%.2f", g, c)
			}
		}
	}
}

func TestAdjust_MarketFlagsHoldExceed(t *testing.T) {
	rules := policy.Default().Confidence
	ceiling, reason := Adjust(180, 0.9, Flags{ExpiryDay: true}, rules)
	assert.Equal(t, 180, ceiling)
	assert.Equal(t, ReasonHoldMarket, reason)

	// flags never block a reduce
	ceiling, reason = Adjust(90, 0.3, Flags{EventRisk: true}, rules)
	assert.Equal(t, 63, ceiling)
	assert.Equal(t, ReasonReduce, reason)
}

func TestDecide_FixedCycleCeiling(t *testing.T) {
	tb := policy.Default()
	tb.CycleCeilingAdaptive = false
	d := Decide(tb, Input{Volatility: 12, Confidence: 0.95, Now: now})
	assert.Equal(t, 4, d.CycleCeiling)
	assert.Equal(t, 216, d.Ceiling)
}

func TestDecide_FailsClosed(t *testing.T) {
	tb := policy.Default()
	cases := []Input{
		{Volatility: math.NaN(), Confidence: 0.9},
		{Volatility: -3, Confidence: 0.9},
		{Volatility: 10, Confidence: 1.7},
		{Volatility: 10, Confidence: math.NaN()},
	}
	for _, in := range cases {
		d := Decide(tb, in)
		assert.True(t, d.FailClosed)
		assert.Equal(t, "stressed", d.Bucket)
		assert.Equal(t, 28, d.Ceiling) // 40 × 0.7
		assert.Equal(t, 3, d.CycleCeiling)
		assert.Contains(t, d.Reason, "fail-closed: ")
	}
}

func TestAllocate_DefaultWeights(t *testing.T) {
	shares := Allocate(100, policy.Default().Allocation, nil)
	require.Len(t, shares, 3)
	assert.Equal(t, []int{40, 40, 20}, []int{shares[0].Trades, shares[1].Trades, shares[2].Trades})
	assert.Equal(t, "NIFTY", shares[0].Symbol)
	assert.Equal(t, "FINNIFTY", shares[2].Symbol)
}

func TestAllocate_QualityShiftsWeightWithinBounds(t *testing.T) {
	alloc := policy.Default().Allocation
	shares := Allocate(100, alloc, map[string]float64{"NIFTY": 1, "BANKNIFTY": 0})
	// 0.4×1.2 = 0.48, 0.4×0.8 = 0.32, 0.2×1.0 = 0.2
	assert.Equal(t, 48, shares[0].Trades)
	assert.Equal(t, 32, shares[1].Trades)
	assert.Equal(t, 20, shares[2].Trades)

	// out-of-range quality is clamped to the same bounds
	clamped := Allocate(100, alloc, map[string]float64{"NIFTY": 7, "BANKNIFTY": -2})
	assert.Equal(t, shares, clamped)
}

func TestAllocate_SumsToCeiling(t *testing.T) {
	alloc := policy.Default().Allocation
	q := map[string]float64{"NIFTY": 0.33, "BANKNIFTY": 0.71, "FINNIFTY": 0.12}
	for c := 0; c < 300; c++ {
		assert.Equal(t, c, sum(Allocate(c, alloc, q)), "ceiling=%d", c)
	}
}

func TestDecision_Share(t *testing.T) {
	d := Decide(policy.Default(), Input{Volatility: 12, Confidence: 0.6, Now: now})
	n, ok := d.Share("NIFTY")
	assert.True(t, ok)
	assert.Equal(t, 72, n)
	_, ok = d.Share("SENSEX")
	assert.False(t, ok)
}
