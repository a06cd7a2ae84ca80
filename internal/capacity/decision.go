// Package capacity turns a volatility reading and trailing signal confidence
// into the cycle's trade-count ceiling and per-symbol allocation.
//
// The steps are separate pure functions (Bucket, Adjust, Allocate) composed by
// Decide, so each can be tested on its own. Nothing here holds state.
package capacity

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/policy"
)

var (
	ErrMalformedVolatility = errors.New("malformed volatility reading")
	ErrMalformedConfidence = errors.New("malformed confidence score")
	ErrNoBand              = errors.New("no volatility band matches")
)

const (
	ReasonExceed     = "exceed: high confidence"
	ReasonReduce     = "reduce: low confidence"
	ReasonHold       = "hold: neutral confidence"
	ReasonHoldMarket = "hold: market condition"
	reasonFailClosed = "fail-closed: "
)

// Flags are optional market conditions that veto the exceed branch.
type Flags struct {
	ExpiryDay bool `json:"expiry_day,omitempty"`
	EventRisk bool `json:"event_risk,omitempty"`
}

func (f Flags) Any() bool { return f.ExpiryDay || f.EventRisk }

type Input struct {
	Volatility float64
	Confidence float64            // trailing average
	Quality    map[string]float64 // per-symbol trailing signal quality in [0,1]
	Flags      Flags
	Now        time.Time
}

type SymbolShare struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
	Trades int     `json:"trades"`
}

// Decision is immutable once produced. Callers share it by pointer and must
// not modify it.
type Decision struct {
	Bucket           string        `json:"bucket"`
	CapacityFraction float64       `json:"capacity_fraction"`
	TargetReturn     policy.Range  `json:"target_return"`
	WinRate          policy.Range  `json:"win_rate"`
	Guideline        int           `json:"guideline"`
	Ceiling          int           `json:"ceiling"`
	CycleGuideline   int           `json:"cycle_guideline"`
	CycleCeiling     int           `json:"cycle_ceiling"`
	Allocation       []SymbolShare `json:"allocation"`
	Reason           string        `json:"reason"`
	Volatility       float64       `json:"volatility"`
	Confidence       float64       `json:"confidence"`
	FailClosed       bool          `json:"fail_closed"`
	DecidedAt        time.Time     `json:"decided_at"`
}

// Share returns the trades allocated to symbol for the day.
func (d *Decision) Share(symbol string) (int, bool) {
	for _, s := range d.Allocation {
		if s.Symbol == symbol {
			return s.Trades, true
		}
	}
	return 0, false
}

// Bucket maps a volatility reading to its band.
func Bucket(t *policy.Tables, volatility float64) (policy.Band, error) {
	if math.IsNaN(volatility) || math.IsInf(volatility, 0) || volatility < 0 {
		return policy.Band{}, fmt.Errorf("%w: %v", ErrMalformedVolatility, volatility)
	}
	for i, b := range t.Bands {
		if volatility < b.MaxVolatility || (i == len(t.Bands)-1 && b.MaxVolatility <= 0) {
			return b, nil
		}
	}
	return policy.Band{}, fmt.Errorf("%w: %v", ErrNoBand, volatility)
}

// Adjust applies the confidence multiplier to a guideline. Results are rounded
// to the nearest whole trade; an exceed never lands below the guideline and a
// reduce never lands above it.
func Adjust(guideline int, confidence float64, flags Flags, rules policy.ConfidenceRules) (int, string) {
	switch {
	case confidence > rules.ExceedAbove && flags.Any():
		return guideline, ReasonHoldMarket
	case confidence > rules.ExceedAbove:
		return scale(guideline, rules.ExceedMultiplier), ReasonExceed
	case confidence < rules.ReduceBelow:
		return scale(guideline, rules.ReduceMultiplier), ReasonReduce
	default:
		return guideline, ReasonHold
	}
}

func scale(n int, m float64) int {
	return int(decimal.NewFromInt(int64(n)).Mul(decimal.NewFromFloat(m)).Round(0).IntPart())
}

// Allocate splits ceiling across the allocation symbols. Weights are scaled by
// signal quality within the configured factor bounds, renormalised, and the
// shares are rounded with the largest-remainder method so they sum to ceiling.
func Allocate(ceiling int, alloc policy.Allocation, quality map[string]float64) []SymbolShare {
	n := len(alloc.Symbols)
	if n == 0 {
		return nil
	}
	adjusted := make([]decimal.Decimal, n)
	total := decimal.Zero
	for i, s := range alloc.Symbols {
		f := decimal.NewFromInt(1)
		if q, ok := quality[s.Symbol]; ok && !math.IsNaN(q) {
			q = math.Max(0, math.Min(1, q))
			lo, hi := decimal.NewFromFloat(alloc.MinFactor), decimal.NewFromFloat(alloc.MaxFactor)
			f = lo.Add(hi.Sub(lo).Mul(decimal.NewFromFloat(q)))
		}
		adjusted[i] = decimal.NewFromFloat(s.Weight).Mul(f)
		total = total.Add(adjusted[i])
	}

	out := make([]SymbolShare, n)
	rem := make([]decimal.Decimal, n)
	given := 0
	c := decimal.NewFromInt(int64(ceiling))
	for i, s := range alloc.Symbols {
		w := adjusted[i].Div(total)
		raw := c.Mul(w)
		whole := raw.Floor()
		rem[i] = raw.Sub(whole)
		wf, _ := w.Round(4).Float64()
		out[i] = SymbolShare{Symbol: s.Symbol, Weight: wf, Trades: int(whole.IntPart())}
		given += out[i].Trades
	}
	for left := ceiling - given; left > 0; left-- {
		best := 0
		for i := 1; i < n; i++ {
			if rem[i].GreaterThan(rem[best]) {
				best = i
			}
		}
		out[best].Trades++
		rem[best] = decimal.NewFromInt(-1)
	}
	return out
}

// Decide composes bucket lookup, confidence adjustment and allocation. Any
// configuration or input error fails closed to the most conservative band.
func Decide(t *policy.Tables, in Input) Decision {
	if math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1 {
		return FailClosed(t, fmt.Errorf("%w: %v", ErrMalformedConfidence, in.Confidence), in.Now)
	}
	band, err := Bucket(t, in.Volatility)
	if err != nil {
		return FailClosed(t, err, in.Now)
	}
	ceiling, reason := Adjust(band.Guideline, in.Confidence, in.Flags, t.Confidence)
	cycleCeiling := t.CycleCeiling
	if t.CycleCeilingAdaptive {
		cycleCeiling, _ = Adjust(t.CycleCeiling, in.Confidence, in.Flags, t.Confidence)
	}
	return Decision{
		Bucket:           band.Name,
		CapacityFraction: band.CapacityFraction,
		TargetReturn:     band.TargetReturn,
		WinRate:          band.WinRate,
		Guideline:        band.Guideline,
		Ceiling:          ceiling,
		CycleGuideline:   t.CycleCeiling,
		CycleCeiling:     cycleCeiling,
		Allocation:       Allocate(ceiling, t.Allocation, in.Quality),
		Reason:           reason,
		Volatility:       in.Volatility,
		Confidence:       in.Confidence,
		DecidedAt:        in.Now,
	}
}

// FailClosed builds the most conservative decision: smallest guideline with
// the reduce multiplier applied to both the daily and cycle ceilings.
func FailClosed(t *policy.Tables, cause error, now time.Time) Decision {
	band := t.Conservative()
	ceiling := scale(band.Guideline, t.Confidence.ReduceMultiplier)
	cycleCeiling := scale(t.CycleCeiling, t.Confidence.ReduceMultiplier)
	return Decision{
		Bucket:           band.Name,
		CapacityFraction: band.CapacityFraction,
		TargetReturn:     band.TargetReturn,
		WinRate:          band.WinRate,
		Guideline:        band.Guideline,
		Ceiling:          ceiling,
		CycleGuideline:   t.CycleCeiling,
		CycleCeiling:     cycleCeiling,
		Allocation:       Allocate(ceiling, t.Allocation, nil),
		Reason:           reasonFailClosed + cause.Error(),
		FailClosed:       true,
		DecidedAt:        now,
	}
}
