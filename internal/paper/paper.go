// Package paper provides simulated collaborators for MODE=paper: a signal
// source driven by a seeded random walk, an instant-fill executor and a
// transfer rail that only logs.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/compliance"
	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/settlement"
)

// Prices keeps a trailing window of prices for a volatility estimate.
type Prices struct {
	lookback int
	prices   []float64
}

func NewPrices(lookback int) *Prices {
	if lookback < 2 {
		lookback = 2
	}
	return &Prices{lookback: lookback}
}

func (p *Prices) Push(px float64) {
	p.prices = append(p.prices, px)
	if len(p.prices) > p.lookback {
		p.prices = p.prices[1:]
	}
}

// RealizedVol is the sample standard deviation of simple returns.
func (p *Prices) RealizedVol() float64 {
	n := len(p.prices)
	if n < 2 {
		return 0
	}
	var rets []float64
	for i := 1; i < n; i++ {
		if p.prices[i-1] == 0 {
			continue
		}
		rets = append(rets, (p.prices[i]-p.prices[i-1])/p.prices[i-1])
	}
	if len(rets) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var varsum float64
	for _, r := range rets {
		varsum += (r - mean) * (r - mean)
	}
	return math.Sqrt(varsum / float64(len(rets)-1))
}

// Signals walks an index price and reports its realized volatility, scaled
// to an annualised-percent reading, with a confidence drawn around 0.65.
type Signals struct {
	mu      sync.Mutex
	rng     *rand.Rand
	px      float64
	prices  *Prices
	symbols []string
	scale   float64
}

func NewSignals(seed int64, symbols []string) *Signals {
	return &Signals{
		rng:     rand.New(rand.NewSource(seed)),
		px:      20_000,
		prices:  NewPrices(30),
		symbols: symbols,
		scale:   math.Sqrt(252*25) * 100,
	}
}

func (s *Signals) GetSignal(context.Context) (cycle.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 5; i++ {
		s.px *= 1 + s.rng.NormFloat64()*0.0015
		s.prices.Push(s.px)
	}
	conf := math.Min(1, math.Max(0, 0.65+s.rng.NormFloat64()*0.12))
	quality := make(map[string]float64, len(s.symbols))
	for _, sym := range s.symbols {
		quality[sym] = math.Min(1, math.Max(0, 0.5+s.rng.NormFloat64()*0.15))
	}
	dir := cycle.Flat
	switch {
	case conf > 0.55 && s.rng.Intn(2) == 0:
		dir = cycle.Long
	case conf > 0.55:
		dir = cycle.Short
	}
	return cycle.Signal{
		Direction:     dir,
		Confidence:    conf,
		Volatility:    s.prices.RealizedVol() * s.scale,
		SymbolQuality: quality,
	}, nil
}

// Executor fills every fragment in full. Resubmitting a fragment id returns
// the original fill.
type Executor struct {
	mu    sync.Mutex
	fills map[string]compliance.ExecutionResult
	log   zerolog.Logger
}

func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{fills: map[string]compliance.ExecutionResult{}, log: log}
}

func (e *Executor) Submit(ctx context.Context, f compliance.OrderFragment) (compliance.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return compliance.ExecutionResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.fills[f.ID]; ok {
		return res, nil
	}
	res := compliance.ExecutionResult{Accepted: true, FilledQty: f.Quantity, BrokerRef: "paper-" + uuid.NewString()}
	e.fills[f.ID] = res
	e.log.Debug().Str("fragment", f.ID).Str("symbol", f.Symbol).Int64("qty", f.Quantity).Msg("paper fill")
	return res, nil
}

// Rail logs transfers and reports success.
type Rail struct {
	log zerolog.Logger
}

func NewRail(log zerolog.Logger) *Rail { return &Rail{log: log} }

func (r *Rail) Transfer(_ context.Context, account string, amount decimal.Decimal, dir settlement.Direction) (settlement.TransferResult, error) {
	if !amount.IsPositive() {
		return settlement.TransferResult{}, fmt.Errorf("paper transfer to %s: non-positive amount %s", account, amount)
	}
	ref := "paper-tx-" + uuid.NewString()
	r.log.Info().Str("account", account).Str("amount", amount.StringFixed(2)).Str("dir", string(dir)).Str("ref", ref).Msg("paper transfer")
	return settlement.TransferResult{Success: true, Reference: ref}, nil
}
