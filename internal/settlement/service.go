package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/audit"
)

var (
	metricSettled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_settlements_total", Help: "Settlement records written"})
	metricDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_settlement_duplicates_total", Help: "Settlement runs skipped because the day was already settled"})
	metricPromotions = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_tier_promotions_total", Help: "Ladder promotions at settlement"})
)

func init() {
	prometheus.MustRegister(metricSettled, metricDuplicates, metricPromotions)
}

// PnLSource reports a user's gross P&L for a trading day.
type PnLSource interface {
	DailyPnL(ctx context.Context, userID, date string) (decimal.Decimal, error)
}

type Service struct {
	engine *Engine
	store  Store
	book   *AccountBook
	pnl    PnLSource
	sink   audit.Sink
	log    zerolog.Logger

	onSettled []func(Record)
	now       func() time.Time
}

func NewService(engine *Engine, store Store, book *AccountBook, pnl PnLSource, sink audit.Sink, log zerolog.Logger) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{engine: engine, store: store, book: book, pnl: pnl, sink: sink, log: log, now: time.Now}
}

// OnSettled registers fn to receive every new record.
func (s *Service) OnSettled(fn func(Record)) { s.onSettled = append(s.onSettled, fn) }

func (s *Service) Book() *AccountBook { return s.book }

// Open adds a user's account, resuming capital, tier and buffer from the
// newest stored settlement when there is one. a carries the seed values for
// a user who has never been settled; an empty Tier is derived from them.
func (s *Service) Open(ctx context.Context, a Account) (Account, error) {
	last, err := s.store.Latest(ctx, a.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Account{}, fmt.Errorf("resume %s: %w", a.UserID, err)
	default:
		buf, err := s.store.BufferTotal(ctx, a.UserID)
		if err != nil {
			return Account{}, fmt.Errorf("resume %s: %w", a.UserID, err)
		}
		a.Capital, a.Buffer = last.NewCapital, buf
		a.Tier = ""
		if last.Category == a.Category {
			a.Tier = last.TierAfter
		}
		s.log.Info().Str("user", a.UserID).Str("from", last.Date).Str("capital", a.Capital.StringFixed(2)).
			Str("tier", last.TierAfter).Msg("account resumed from settlement")
	}
	if a.Tier == "" {
		tier, err := s.engine.TierFor(a.Category, a.Capital)
		if err != nil {
			return Account{}, err
		}
		a.Tier = tier
	}
	s.book.Open(a)
	return s.book.Get(a.UserID)
}

func (s *Service) Record(ctx context.Context, userID, date string) (Record, error) {
	return s.store.Get(ctx, userID, date)
}

// SettleUser settles one user's day. A second call for the same day returns
// ErrAlreadySettled and changes nothing.
func (s *Service) SettleUser(ctx context.Context, userID, date string) (Record, error) {
	if existing, err := s.store.Get(ctx, userID, date); err == nil {
		s.duplicate(ctx, userID, date)
		return existing, ErrAlreadySettled
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	acct, err := s.book.Get(userID)
	if err != nil {
		return Record{}, fmt.Errorf("settle %s: %w", userID, err)
	}
	gross, err := s.pnl.DailyPnL(ctx, userID, date)
	if err != nil {
		return Record{}, fmt.Errorf("settle %s: %w", userID, err)
	}
	rec, err := s.engine.Compute(Input{
		UserID:     userID,
		Date:       date,
		Category:   acct.Category,
		Tier:       acct.Tier,
		OldCapital: acct.Capital,
		Gross:      gross,
		Now:        s.now().UTC(),
	})
	if err != nil {
		return Record{}, err
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			s.duplicate(ctx, userID, date)
		}
		return Record{}, err
	}

	s.book.Apply(rec)
	metricSettled.Inc()
	if rec.Promoted() {
		metricPromotions.Inc()
	}
	s.log.Info().
		Str("user", userID).
		Str("date", date).
		Str("gross", rec.Gross.StringFixed(2)).
		Str("new_capital", rec.NewCapital.StringFixed(2)).
		Str("buffer", rec.Buffer.StringFixed(2)).
		Str("tier", rec.TierAfter).
		Msg("settled")
	_ = s.sink.Record(ctx, audit.New(audit.EventSettled, userID, map[string]any{
		"date":        date,
		"gross":       rec.Gross.StringFixed(2),
		"fees":        rec.FeeTotal.StringFixed(2),
		"tax":         rec.Tax.StringFixed(2),
		"new_capital": rec.NewCapital.StringFixed(2),
		"buffer":      rec.Buffer.StringFixed(2),
		"tier_before": rec.TierBefore,
		"tier_after":  rec.TierAfter,
	}))
	for _, fn := range s.onSettled {
		fn(rec)
	}
	return rec, nil
}

func (s *Service) duplicate(ctx context.Context, userID, date string) {
	metricDuplicates.Inc()
	s.log.Warn().Str("user", userID).Str("date", date).Msg("already settled, skipping")
	_ = s.sink.Record(ctx, audit.New(audit.EventSettleDuplicate, userID, map[string]any{"date": date}))
}

// SettleAll settles every open account. Already-settled users are skipped;
// other failures are collected and do not stop the run.
func (s *Service) SettleAll(ctx context.Context, date string) (int, error) {
	var (
		settled int
		errs    []error
	)
	for _, id := range s.book.Users() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.SettleUser(ctx, id, date)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, ErrAlreadySettled):
		default:
			s.log.Error().Err(err).Str("user", id).Str("date", date).Msg("settlement failed")
			errs = append(errs, err)
		}
	}
	return settled, errors.Join(errs...)
}
