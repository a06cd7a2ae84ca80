package risk

import (
	"errors"
	"fmt"
	"time"
)

// Limits defines static configuration for the hard tier.
type Limits struct {
	DailyLossCap float64 // absolute daily loss cap in account currency; 0 disables
	DailyLossPct float64 // daily loss cap as % of capital; 0 disables
}

// Cap returns the effective loss cap for a capital base: the tighter of the
// configured caps, or 0 when neither is set.
func (l Limits) Cap(capital float64) float64 {
	caps := make([]float64, 0, 2)
	if l.DailyLossCap > 0 {
		caps = append(caps, l.DailyLossCap)
	}
	if l.DailyLossPct > 0 && capital > 0 {
		caps = append(caps, capital*l.DailyLossPct/100)
	}
	if len(caps) == 0 {
		return 0
	}
	out := caps[0]
	for _, c := range caps[1:] {
		out = min(out, c)
	}
	return out
}

// UserState tracks one user's running totals for the trading day.
type UserState struct {
	UserID          string         `json:"user_id"`
	Category        string         `json:"category"`
	Capital         float64        `json:"capital"`
	Day             string         `json:"day"`
	TradesToday     int            `json:"trades_today"`
	CycleID         string         `json:"cycle_id,omitempty"`
	TradesThisCycle int            `json:"trades_this_cycle"`
	SymbolTrades    map[string]int `json:"symbol_trades"`
	LossToday       float64        `json:"loss_today"`   // realized + unrealized loss
	RealizedPnL     float64        `json:"realized_pnl"` // net realized for the day
	UnrealizedPnL   float64        `json:"unrealized_pnl"`
	Exposure        float64        `json:"exposure"`
	Halted          bool           `json:"halted"`
	HaltReason      string         `json:"halt_reason,omitempty"`
	HaltedAt        time.Time      `json:"halted_at,omitempty"`
}

func (s UserState) clone() UserState {
	c := s
	c.SymbolTrades = make(map[string]int, len(s.SymbolTrades))
	for k, v := range s.SymbolTrades {
		c.SymbolTrades[k] = v
	}
	return c
}

// Candidate is the part of an order the gate needs.
type Candidate struct {
	OrderID  string
	Symbol   string
	Notional float64
}

// Reservation records what an accepted order added to a user's state so it can
// be released if a later stage rejects the order.
type Reservation struct {
	UserID        string  `json:"user_id"`
	OrderID       string  `json:"order_id"`
	Day           string  `json:"day"`
	CycleID       string  `json:"cycle_id"`
	Symbol        string  `json:"symbol"`
	Notional      float64 `json:"notional"`
	ExposureAfter float64 `json:"exposure_after"`
}

type Tier string

const (
	TierHard       Tier = "hard"
	TierAdaptive   Tier = "adaptive"
	TierCompliance Tier = "compliance"
	TierPhase      Tier = "phase"
)

// Rejection is a non-retryable business rejection with a reason code.
type Rejection struct {
	Tier   Tier   `json:"tier"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s rejection [%s]: %s", r.Tier, r.Code, r.Reason) }

func Reject(tier Tier, code, format string, args ...any) *Rejection {
	return &Rejection{Tier: tier, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a business rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsHalt reports whether err means the user is stopped for the day, as
// opposed to a single order being deferred.
func IsHalt(err error) bool {
	r, ok := AsRejection(err)
	return ok && r.Tier == TierHard
}

const (
	CodeHalted           = "halted"
	CodeDailyLossCap     = "daily_loss_cap"
	CodeUnknownUser      = "unknown_user"
	CodeExposureLimit    = "exposure_limit"
	CodeDailyCeiling     = "daily_ceiling"
	CodeCycleCeiling     = "cycle_ceiling"
	CodeSymbolAllocation = "symbol_allocation"
	CodeNoDecision       = "no_decision"
)
