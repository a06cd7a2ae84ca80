// Package policy holds the static lookup tables the governor decides with:
// volatility bands, confidence multipliers, symbol weights, leverage per user
// category, capital ladders, rounding tiers and fee splits.
package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownCategory = errors.New("unknown user category")
	ErrInvalidTables   = errors.New("invalid policy tables")
)

// Range is a closed [Min, Max] band.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Band maps a volatility interval to its capacity guideline. Bands are ordered
// by MaxVolatility; the last band is open-ended (MaxVolatility 0).
type Band struct {
	Name             string  `yaml:"name" json:"name"`
	MaxVolatility    float64 `yaml:"max_volatility" json:"max_volatility"` // exclusive upper bound
	CapacityFraction float64 `yaml:"capacity_fraction" json:"capacity_fraction"`
	Guideline        int     `yaml:"guideline" json:"guideline"` // indicative daily trade ceiling
	TargetReturn     Range   `yaml:"target_return" json:"target_return"`
	WinRate          Range   `yaml:"win_rate" json:"win_rate"`
}

type ConfidenceRules struct {
	ExceedAbove      float64 `yaml:"exceed_above"`
	ReduceBelow      float64 `yaml:"reduce_below"`
	ExceedMultiplier float64 `yaml:"exceed_multiplier"`
	ReduceMultiplier float64 `yaml:"reduce_multiplier"`
}

type SymbolWeight struct {
	Symbol string  `yaml:"symbol"`
	Weight float64 `yaml:"weight"`
}

// Allocation splits the daily ceiling across the permitted symbols. Each
// weight is scaled by a factor in [MinFactor, MaxFactor] from signal quality.
type Allocation struct {
	Symbols   []SymbolWeight `yaml:"symbols"`
	MinFactor float64        `yaml:"min_factor"`
	MaxFactor float64        `yaml:"max_factor"`
}

type Rung struct {
	Tier      string  `yaml:"tier"`
	Threshold float64 `yaml:"threshold"`
}

type Category struct {
	Leverage float64 `yaml:"leverage"`
	Ladder   []Rung  `yaml:"ladder"` // ascending thresholds
}

// RoundingTier applies to capital >= Min; settled capital is rounded down to
// a multiple of Bucket.
type RoundingTier struct {
	Min    float64 `yaml:"min"`
	Bucket float64 `yaml:"bucket"`
}

type FeeRate struct {
	Name    string  `yaml:"name"`
	Account string  `yaml:"account"`
	Rate    float64 `yaml:"rate"`
}

type Fees struct {
	Shares     []FeeRate `yaml:"shares"`
	TaxRate    float64   `yaml:"tax_rate"`
	TaxAccount string    `yaml:"tax_account"`
}

type Tables struct {
	Bands                []Band              `yaml:"bands"`
	Confidence           ConfidenceRules     `yaml:"confidence"`
	CycleCeiling         int                 `yaml:"cycle_ceiling"`
	CycleCeilingAdaptive bool                `yaml:"cycle_ceiling_adaptive"`
	Allocation           Allocation          `yaml:"allocation"`
	Categories           map[string]Category `yaml:"categories"`
	Rounding             []RoundingTier      `yaml:"rounding"`
	Fees                 Fees                `yaml:"fees"`
	LadderTolerance      float64             `yaml:"ladder_tolerance"`
}

// Default returns the built-in tables.
func Default() *Tables {
	return &Tables{
		Bands: []Band{
			{Name: "calm", MaxVolatility: 15, CapacityFraction: 1.0, Guideline: 180,
				TargetReturn: Range{0.008, 0.012}, WinRate: Range{0.62, 0.68}},
			{Name: "normal", MaxVolatility: 20, CapacityFraction: 0.8, Guideline: 130,
				TargetReturn: Range{0.006, 0.010}, WinRate: Range{0.58, 0.64}},
			{Name: "elevated", MaxVolatility: 30, CapacityFraction: 0.6, Guideline: 90,
				TargetReturn: Range{0.004, 0.008}, WinRate: Range{0.55, 0.60}},
			{Name: "stressed", MaxVolatility: 0, CapacityFraction: 0.35, Guideline: 40,
				TargetReturn: Range{0.002, 0.005}, WinRate: Range{0.50, 0.55}},
		},
		Confidence: ConfidenceRules{
			ExceedAbove:      0.80,
			ReduceBelow:      0.50,
			ExceedMultiplier: 1.20,
			ReduceMultiplier: 0.70,
		},
		CycleCeiling:         4,
		CycleCeilingAdaptive: true,
		Allocation: Allocation{
			Symbols: []SymbolWeight{
				{Symbol: "NIFTY", Weight: 0.40},
				{Symbol: "BANKNIFTY", Weight: 0.40},
				{Symbol: "FINNIFTY", Weight: 0.20},
			},
			MinFactor: 0.8,
			MaxFactor: 1.2,
		},
		Categories: map[string]Category{
			"funded": {Leverage: 2, Ladder: []Rung{
				{"F1", 0}, {"F2", 500_000}, {"F3", 1_000_000}, {"F4", 2_500_000},
			}},
			"standard": {Leverage: 5, Ladder: []Rung{
				{"S1", 0}, {"S2", 250_000}, {"S3", 1_000_000}, {"S4", 5_000_000},
			}},
			"pro": {Leverage: 10, Ladder: []Rung{
				{"P1", 0}, {"P2", 1_000_000}, {"P3", 5_000_000}, {"P4", 10_000_000},
			}},
		},
		Rounding: []RoundingTier{
			{Min: 0, Bucket: 1_000},
			{Min: 100_000, Bucket: 10_000},
			{Min: 1_000_000, Bucket: 100_000},
		},
		Fees: Fees{
			Shares: []FeeRate{
				{Name: "platform", Account: "fees:platform", Rate: 0.10},
				{Name: "advisor", Account: "fees:advisor", Rate: 0.05},
			},
			TaxRate:    0.15,
			TaxAccount: "reserve:tax",
		},
		LadderTolerance: 0.01,
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values; present lists replace the default list wholesale.
func Load(path string) (*Tables, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tables) YAML() ([]byte, error) { return yaml.Marshal(t) }

// Validate rejects tables the engines could not evaluate deterministically.
func (t *Tables) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(t.Bands) == 0 {
		bad("no volatility bands")
	}
	for i, b := range t.Bands {
		last := i == len(t.Bands)-1
		if b.Guideline < 0 {
			bad("band %q: negative guideline", b.Name)
		}
		if !last && b.MaxVolatility <= 0 {
			bad("band %q: only the last band may be open-ended", b.Name)
		}
		if i > 0 && b.MaxVolatility > 0 && b.MaxVolatility <= t.Bands[i-1].MaxVolatility {
			bad("band %q: bounds must increase", b.Name)
		}
	}

	c := t.Confidence
	if c.ReduceBelow > c.ExceedAbove {
		bad("confidence: reduce_below %.2f above exceed_above %.2f", c.ReduceBelow, c.ExceedAbove)
	}
	if c.ExceedMultiplier < 1 {
		bad("confidence: exceed multiplier %.2f < 1", c.ExceedMultiplier)
	}
	if c.ReduceMultiplier <= 0 || c.ReduceMultiplier > 1 {
		bad("confidence: reduce multiplier %.2f outside (0,1]", c.ReduceMultiplier)
	}
	if t.CycleCeiling < 0 {
		bad("cycle ceiling %d < 0", t.CycleCeiling)
	}

	if len(t.Allocation.Symbols) == 0 {
		bad("allocation: no symbols")
	}
	var sum float64
	seen := map[string]bool{}
	for _, s := range t.Allocation.Symbols {
		if s.Weight <= 0 {
			bad("allocation: symbol %s has non-positive weight", s.Symbol)
		}
		if seen[s.Symbol] {
			bad("allocation: duplicate symbol %s", s.Symbol)
		}
		seen[s.Symbol] = true
		sum += s.Weight
	}
	if len(t.Allocation.Symbols) > 0 && math.Abs(sum-1) > 1e-9 {
		bad("allocation: weights sum to %.4f, want 1", sum)
	}
	if t.Allocation.MinFactor <= 0 || t.Allocation.MinFactor > 1 || t.Allocation.MaxFactor < 1 {
		bad("allocation: factor bounds [%.2f, %.2f] must straddle 1", t.Allocation.MinFactor, t.Allocation.MaxFactor)
	}

	if len(t.Categories) == 0 {
		bad("no user categories")
	}
	for name, cat := range t.Categories {
		if cat.Leverage <= 0 {
			bad("category %s: leverage must be positive", name)
		}
		if len(cat.Ladder) == 0 {
			bad("category %s: empty ladder", name)
		}
		if !sort.SliceIsSorted(cat.Ladder, func(i, j int) bool { return cat.Ladder[i].Threshold < cat.Ladder[j].Threshold }) {
			bad("category %s: ladder thresholds must ascend", name)
		}
	}

	if len(t.Rounding) == 0 {
		bad("no rounding tiers")
	}
	for i, r := range t.Rounding {
		if r.Bucket <= 0 {
			bad("rounding tier %d: bucket must be positive", i)
		}
		if i > 0 && r.Min <= t.Rounding[i-1].Min {
			bad("rounding tier %d: min must increase", i)
		}
	}

	var feeSum float64
	for _, f := range t.Fees.Shares {
		if f.Rate < 0 || f.Account == "" {
			bad("fee %s: needs an account and a non-negative rate", f.Name)
		}
		feeSum += f.Rate
	}
	if feeSum >= 1 {
		bad("fees: shares sum to %.2f, must stay below 1", feeSum)
	}
	if t.Fees.TaxRate < 0 || t.Fees.TaxRate >= 1 {
		bad("fees: tax rate %.2f outside [0,1)", t.Fees.TaxRate)
	}
	if t.LadderTolerance < 0 {
		bad("ladder tolerance must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTables, errors.Join(errs...))
	}
	return nil
}

// Leverage returns the exposure multiplier for a user category.
func (t *Tables) Leverage(category string) (float64, error) {
	c, ok := t.Categories[category]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return c.Leverage, nil
}

func (t *Tables) Ladder(category string) ([]Rung, error) {
	c, ok := t.Categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return c.Ladder, nil
}

// Conservative is the band with the smallest guideline.
func (t *Tables) Conservative() Band {
	var out Band
	for i, b := range t.Bands {
		if i == 0 || b.Guideline < out.Guideline {
			out = b
		}
	}
	return out
}

// Symbols lists the permitted symbols in allocation order.
func (t *Tables) Symbols() []string {
	out := make([]string, 0, len(t.Allocation.Symbols))
	for _, s := range t.Allocation.Symbols {
		out = append(out, s.Symbol)
	}
	return out
}
