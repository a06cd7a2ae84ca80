// Package compliance checks orders against the symbol allow-list and exposure
// ceiling, fragments oversized orders, and dispatches fragments to execution.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/chidi150c/governor/internal/risk"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderRequest is a proposed trade. Quantity is in contract units.
type OrderRequest struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Quantity  int64   `json:"quantity"`
	PriceHint float64 `json:"price_hint"`
}

func (o OrderRequest) Notional() float64 { return float64(o.Quantity) * o.PriceHint }

// OrderFragment is a child of a split order. Its ID doubles as the
// correlation id the executor deduplicates on.
type OrderFragment struct {
	ID        string  `json:"id"`
	ParentID  string  `json:"parent_id"`
	Index     int     `json:"index"`
	UserID    string  `json:"user_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Quantity  int64   `json:"quantity"`
	PriceHint float64 `json:"price_hint"`
}

type ExecutionResult struct {
	Accepted  bool   `json:"accepted"`
	FilledQty int64  `json:"filled_qty"`
	BrokerRef string `json:"broker_ref,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Executor submits one fragment. Implementations must be safe to retry with
// the same fragment ID.
type Executor interface {
	Submit(ctx context.Context, f OrderFragment) (ExecutionResult, error)
}

const (
	CodeSymbolNotAllowed = "symbol_not_allowed"
	CodeExposureCeiling  = "exposure_ceiling"
	CodeInvalidOrder     = "invalid_order"
)

// Checker enforces the fixed allow-list and the aggregate per-user exposure
// ceiling. Both produce rejections, never fragmentation.
type Checker struct {
	allowed     map[string]struct{}
	maxExposure float64 // 0 disables the ceiling
}

func NewChecker(symbols []string, maxExposure float64) *Checker {
	c := &Checker{allowed: make(map[string]struct{}, len(symbols)), maxExposure: maxExposure}
	for _, s := range symbols {
		c.allowed[strings.ToUpper(s)] = struct{}{}
	}
	return c
}

// CheckOrder validates the order itself before it reaches the gate.
func (c *Checker) CheckOrder(o OrderRequest) error {
	if _, ok := c.allowed[strings.ToUpper(o.Symbol)]; !ok {
		return risk.Reject(risk.TierCompliance, CodeSymbolNotAllowed, "symbol %q is not on the allow-list", o.Symbol)
	}
	if o.Quantity <= 0 {
		return risk.Reject(risk.TierCompliance, CodeInvalidOrder, "quantity must be positive, got %d", o.Quantity)
	}
	if o.PriceHint <= 0 {
		return risk.Reject(risk.TierCompliance, CodeInvalidOrder, "price hint must be positive, got %.2f", o.PriceHint)
	}
	if o.Side != Buy && o.Side != Sell {
		return risk.Reject(risk.TierCompliance, CodeInvalidOrder, "unknown side %q", o.Side)
	}
	return nil
}

// CheckExposure enforces the aggregate exposure ceiling on the user's
// exposure including this order.
func (c *Checker) CheckExposure(exposureAfter float64) error {
	if c.maxExposure > 0 && exposureAfter > c.maxExposure {
		return risk.Reject(risk.TierCompliance, CodeExposureCeiling,
			"exposure %.2f would exceed the per-user ceiling %.2f", exposureAfter, c.maxExposure)
	}
	return nil
}

// Split fragments an order so that no fragment exceeds lotCeiling. It emits
// the minimum number of fragments: full lots first, then the remainder.
// Quantities always sum to the parent quantity.
func Split(o OrderRequest, lotCeiling int64) ([]OrderFragment, error) {
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("split %s: quantity %d", o.ID, o.Quantity)
	}
	if lotCeiling <= 0 || o.Quantity <= lotCeiling {
		return []OrderFragment{fragment(o, 0, o.Quantity)}, nil
	}
	n := (o.Quantity + lotCeiling - 1) / lotCeiling
	out := make([]OrderFragment, 0, n)
	left := o.Quantity
	for i := 0; left > 0; i++ {
		q := min(left, lotCeiling)
		out = append(out, fragment(o, i, q))
		left -= q
	}
	return out, nil
}

func fragment(o OrderRequest, i int, qty int64) OrderFragment {
	return OrderFragment{
		ID:        fmt.Sprintf("%s-f%d", o.ID, i+1),
		ParentID:  o.ID,
		Index:     i,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  qty,
		PriceHint: o.PriceHint,
	}
}
