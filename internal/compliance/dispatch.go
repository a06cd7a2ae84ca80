package compliance

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chidi150c/governor/internal/audit"
)

type FillStatus string

const (
	StatusFilled  FillStatus = "filled"
	StatusPartial FillStatus = "partial"
	StatusFailed  FillStatus = "failed"
)

type FragmentResult struct {
	Fragment OrderFragment   `json:"fragment"`
	Result   ExecutionResult `json:"result"`
	Error    string          `json:"error,omitempty"`
}

// FillReport is the outcome of one parent order across its fragments.
type FillReport struct {
	ParentID  string           `json:"parent_id"`
	UserID    string           `json:"user_id"`
	Symbol    string           `json:"symbol"`
	Requested int64            `json:"requested"`
	Filled    int64            `json:"filled"`
	Status    FillStatus       `json:"status"`
	Fragments []FragmentResult `json:"fragments"`
}

func (r FillReport) Unfilled() int64 { return r.Requested - r.Filled }

// Dispatcher submits each fragment independently. A failed fragment never
// aborts its siblings; the parent ends filled, partial or failed.
type Dispatcher struct {
	exec Executor
	sink audit.Sink
	log  zerolog.Logger
}

func NewDispatcher(exec Executor, sink audit.Sink, log zerolog.Logger) *Dispatcher {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Dispatcher{exec: exec, sink: sink, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, o OrderRequest, fragments []OrderFragment) FillReport {
	results := make([]FragmentResult, len(fragments))
	var wg sync.WaitGroup
	for i, f := range fragments {
		wg.Add(1)
		go func(i int, f OrderFragment) {
			defer wg.Done()
			res, err := d.exec.Submit(ctx, f)
			fr := FragmentResult{Fragment: f, Result: res}
			if err != nil {
				fr.Error = err.Error()
				d.log.Warn().Err(err).Str("fragment", f.ID).Int("attempts", res.Attempts).Msg("fragment failed")
			}
			results[i] = fr
		}(i, f)
	}
	wg.Wait()

	rep := FillReport{ParentID: o.ID, UserID: o.UserID, Symbol: o.Symbol, Requested: o.Quantity, Fragments: results}
	for _, r := range results {
		if r.Error == "" && r.Result.Accepted {
			rep.Filled += min(r.Result.FilledQty, r.Fragment.Quantity)
		}
	}
	evType := audit.EventOrderFilled
	switch {
	case rep.Filled == rep.Requested:
		rep.Status = StatusFilled
	case rep.Filled > 0:
		rep.Status, evType = StatusPartial, audit.EventOrderPartial
	default:
		rep.Status, evType = StatusFailed, audit.EventOrderFailed
	}
	if rep.Status != StatusFilled {
		d.log.Warn().Str("order", o.ID).Int64("filled", rep.Filled).Int64("requested", rep.Requested).Msg("order not fully filled")
	}
	_ = d.sink.Record(ctx, audit.New(evType, o.UserID, map[string]any{
		"order_id":  o.ID,
		"symbol":    o.Symbol,
		"requested": rep.Requested,
		"filled":    rep.Filled,
		"fragments": len(fragments),
		"status":    rep.Status,
	}))
	return rep
}
