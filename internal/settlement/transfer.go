package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/audit"
)

// ErrTransferDone is reported when a transfer was already claimed.
var ErrTransferDone = errors.New("transfer already processed")

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

type TransferResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
}

// TransferRail moves money between accounts. The governor only credits the
// fee and tax accounts; the user's buffer never moves.
type TransferRail interface {
	Transfer(ctx context.Context, account string, amount decimal.Decimal, dir Direction) (TransferResult, error)
}

type Instruction struct {
	Date    string          `json:"date"`
	UserID  string          `json:"user_id"`
	Kind    string          `json:"kind"` // fee share name or "tax"
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Key identifies the transfer for at-most-once processing.
func (i Instruction) Key() string { return i.Date + ":" + i.UserID + ":" + i.Kind }

// Instructions lists the outbound transfers a record implies.
func Instructions(rec Record, taxAccount string) []Instruction {
	var out []Instruction
	for _, f := range rec.Fees {
		if f.Amount.IsPositive() {
			out = append(out, Instruction{Date: rec.Date, UserID: rec.UserID, Kind: f.Name, Account: f.Account, Amount: f.Amount})
		}
	}
	if rec.Tax.IsPositive() {
		out = append(out, Instruction{Date: rec.Date, UserID: rec.UserID, Kind: "tax", Account: taxAccount, Amount: rec.Tax})
	}
	return out
}

type TransferSummary struct {
	Done    int `json:"done"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// TransferJob pays out a day's fee shares and tax reserve. Instructions are
// derived from the stored records, so a restart recomputes the same set and
// the ledger filters out what already went through.
type TransferJob struct {
	store      Store
	ledger     Ledger
	rail       TransferRail
	taxAccount string
	sink       audit.Sink
	log        zerolog.Logger
}

func NewTransferJob(store Store, ledger Ledger, rail TransferRail, taxAccount string, sink audit.Sink, log zerolog.Logger) *TransferJob {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &TransferJob{store: store, ledger: ledger, rail: rail, taxAccount: taxAccount, sink: sink, log: log}
}

func (j *TransferJob) Run(ctx context.Context, date string) (TransferSummary, error) {
	var sum TransferSummary
	recs, err := j.store.ListByDate(ctx, date)
	if err != nil {
		return sum, err
	}
	var errs []error
	for _, rec := range recs {
		for _, in := range Instructions(rec, j.taxAccount) {
			err := j.execute(ctx, in)
			switch {
			case err == nil:
				sum.Done++
			case errors.Is(err, ErrTransferDone):
				sum.Skipped++
			default:
				sum.Failed++
				errs = append(errs, err)
			}
		}
	}
	j.log.Info().Str("date", date).Int("done", sum.Done).Int("skipped", sum.Skipped).Int("failed", sum.Failed).Msg("transfers run")
	return sum, errors.Join(errs...)
}

func (j *TransferJob) execute(ctx context.Context, in Instruction) error {
	data := map[string]any{"key": in.Key(), "account": in.Account, "amount": in.Amount.StringFixed(2)}
	claimed, err := j.ledger.Claim(ctx, in.Key())
	if err != nil {
		return fmt.Errorf("claim %s: %w", in.Key(), err)
	}
	if !claimed {
		j.log.Warn().Str("key", in.Key()).Msg("transfer already processed, skipping")
		_ = j.sink.Record(ctx, audit.New(audit.EventTransferSkipped, in.UserID, data))
		return ErrTransferDone
	}

	res, err := j.rail.Transfer(ctx, in.Account, in.Amount, Credit)
	if err == nil && !res.Success {
		err = errors.New("rail declined transfer")
	}
	if err != nil {
		if rerr := j.ledger.Release(ctx, in.Key()); rerr != nil {
			j.log.Error().Err(rerr).Str("key", in.Key()).Msg("release transfer claim")
		}
		data["error"] = err.Error()
		j.log.Error().Err(err).Str("key", in.Key()).Msg("transfer failed")
		_ = j.sink.Record(ctx, audit.New(audit.EventTransferFailed, in.UserID, data))
		return fmt.Errorf("transfer %s: %w", in.Key(), err)
	}
	if err := j.ledger.Complete(ctx, in.Key(), res.Reference); err != nil {
		// the money moved; keep the claim so it is not paid twice
		j.log.Error().Err(err).Str("key", in.Key()).Msg("mark transfer complete")
	}
	data["reference"] = res.Reference
	_ = j.sink.Record(ctx, audit.New(audit.EventTransferDone, in.UserID, data))
	return nil
}
