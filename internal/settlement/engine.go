// Package settlement turns a user's daily P&L into fee shares, a tax reserve,
// a rounded capital balance with a retained buffer, and ladder promotion.
// Each (user, date) settles exactly once.
package settlement

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/policy"
)

var ErrAlreadySettled = errors.New("already settled")

type FeeShare struct {
	Name    string          `json:"name"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Record is append-only; nothing updates it after Insert.
type Record struct {
	UserID             string          `json:"user_id"`
	Date               string          `json:"date"`
	Category           string          `json:"category"`
	Gross              decimal.Decimal `json:"gross"`
	Fees               []FeeShare      `json:"fees"`
	FeeTotal           decimal.Decimal `json:"fee_total"`
	Tax                decimal.Decimal `json:"tax"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	OldCapital         decimal.Decimal `json:"old_capital"`
	ProvisionalCapital decimal.Decimal `json:"provisional_capital"`
	NewCapital         decimal.Decimal `json:"new_capital"`
	Buffer             decimal.Decimal `json:"buffer"`
	TierBefore         string          `json:"tier_before"`
	TierAfter          string          `json:"tier_after"`
	SettledAt          time.Time       `json:"settled_at"`
}

func (r Record) Promoted() bool { return r.TierAfter != r.TierBefore }

type Input struct {
	UserID     string
	Date       string
	Category   string
	Tier       string
	OldCapital decimal.Decimal
	Gross      decimal.Decimal
	Now        time.Time
}

// Engine holds the policy as decimals so settlement never touches floats.
type Engine struct {
	fees      []feeRate
	taxRate   decimal.Decimal
	taxAcct   string
	rounding  []roundingTier // descending by Min
	ladders   map[string][]policy.Rung
	tolerance decimal.Decimal
}

type feeRate struct {
	name, account string
	rate          decimal.Decimal
}

type roundingTier struct {
	min, bucket decimal.Decimal
}

func NewEngine(t *policy.Tables) *Engine {
	e := &Engine{
		taxRate:   decimal.NewFromFloat(t.Fees.TaxRate),
		taxAcct:   t.Fees.TaxAccount,
		ladders:   map[string][]policy.Rung{},
		tolerance: decimal.NewFromFloat(t.LadderTolerance),
	}
	for _, f := range t.Fees.Shares {
		e.fees = append(e.fees, feeRate{name: f.Name, account: f.Account, rate: decimal.NewFromFloat(f.Rate)})
	}
	for _, r := range t.Rounding {
		e.rounding = append(e.rounding, roundingTier{min: decimal.NewFromFloat(r.Min), bucket: decimal.NewFromFloat(r.Bucket)})
	}
	sort.Slice(e.rounding, func(i, j int) bool { return e.rounding[i].min.GreaterThan(e.rounding[j].min) })
	for name, c := range t.Categories {
		e.ladders[name] = c.Ladder
	}
	return e
}

func (e *Engine) TaxAccount() string { return e.taxAcct }

// Compute runs the five settlement steps. It is pure: the same input always
// yields the same record.
func (e *Engine) Compute(in Input) (Record, error) {
	ladder, ok := e.ladders[in.Category]
	if !ok {
		return Record{}, fmt.Errorf("settle %s: %w: %q", in.UserID, policy.ErrUnknownCategory, in.Category)
	}
	rec := Record{
		UserID:     in.UserID,
		Date:       in.Date,
		Category:   in.Category,
		Gross:      in.Gross.Round(2),
		Fees:       []FeeShare{},
		FeeTotal:   decimal.Zero,
		Tax:        decimal.Zero,
		OldCapital: in.OldCapital,
		TierBefore: in.Tier,
		SettledAt:  in.Now,
	}

	// fees on profit only
	if rec.Gross.IsPositive() {
		for _, f := range e.fees {
			amt := rec.Gross.Mul(f.rate).Round(2)
			rec.Fees = append(rec.Fees, FeeShare{Name: f.name, Account: f.account, Amount: amt})
			rec.FeeTotal = rec.FeeTotal.Add(amt)
		}
	}
	afterFees := rec.Gross.Sub(rec.FeeTotal)
	if afterFees.IsPositive() {
		rec.Tax = afterFees.Mul(e.taxRate).Round(2)
	}
	rec.NetAmount = afterFees.Sub(rec.Tax)
	rec.ProvisionalCapital = in.OldCapital.Add(rec.NetAmount)
	rec.NewCapital, rec.Buffer = e.RoundDown(rec.ProvisionalCapital)
	rec.TierAfter = Promote(ladder, in.Tier, rec.NewCapital, e.tolerance)
	return rec, nil
}

// RoundDown rounds capital down to the bucket of its magnitude tier and
// returns the remainder as the buffer. Negative capital is left as is.
func (e *Engine) RoundDown(c decimal.Decimal) (capital, buffer decimal.Decimal) {
	if c.IsNegative() {
		return c, decimal.Zero
	}
	for _, t := range e.rounding {
		if c.GreaterThanOrEqual(t.min) && t.bucket.IsPositive() {
			rounded := c.Div(t.bucket).Floor().Mul(t.bucket)
			return rounded, c.Sub(rounded)
		}
	}
	return c, decimal.Zero
}

// Promote returns the highest rung the capital reaches, within tolerance,
// unless the current tier already ranks at or above it. Tiers never drop.
func Promote(ladder []policy.Rung, current string, capital, tolerance decimal.Decimal) string {
	cur := -1
	for i, r := range ladder {
		if r.Tier == current {
			cur = i
		}
	}
	reached := -1
	for i, r := range ladder {
		if capital.Add(tolerance).GreaterThanOrEqual(decimal.NewFromFloat(r.Threshold)) {
			reached = i
		}
	}
	if reached > cur {
		return ladder[reached].Tier
	}
	return current
}

// TierFor is the ladder rung a fresh account starts on.
func (e *Engine) TierFor(category string, capital decimal.Decimal) (string, error) {
	ladder, ok := e.ladders[category]
	if !ok {
		return "", fmt.Errorf("%w: %q", policy.ErrUnknownCategory, category)
	}
	return Promote(ladder, "", capital, e.tolerance), nil
}
