package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const Schema = `
CREATE TABLE IF NOT EXISTS settlements (
	user_id             TEXT        NOT NULL,
	trade_date          DATE        NOT NULL,
	category            TEXT        NOT NULL,
	gross               NUMERIC(20,2) NOT NULL,
	fees                JSONB       NOT NULL DEFAULT '[]',
	fee_total           NUMERIC(20,2) NOT NULL,
	tax                 NUMERIC(20,2) NOT NULL,
	net_amount          NUMERIC(20,2) NOT NULL,
	old_capital         NUMERIC(20,2) NOT NULL,
	provisional_capital NUMERIC(20,2) NOT NULL,
	new_capital         NUMERIC(20,2) NOT NULL,
	buffer              NUMERIC(20,2) NOT NULL,
	tier_before         TEXT        NOT NULL,
	tier_after          TEXT        NOT NULL,
	settled_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, trade_date)
)`

const selectColumns = `user_id, to_char(trade_date, 'YYYY-MM-DD') AS trade_date, category, gross, fees,
	fee_total, tax, net_amount, old_capital, provisional_capital, new_capital, buffer,
	tier_before, tier_after, settled_at`

type recordRow struct {
	UserID             string          `db:"user_id"`
	Date               string          `db:"trade_date"`
	Category           string          `db:"category"`
	Gross              decimal.Decimal `db:"gross"`
	Fees               []byte          `db:"fees"`
	FeeTotal           decimal.Decimal `db:"fee_total"`
	Tax                decimal.Decimal `db:"tax"`
	NetAmount          decimal.Decimal `db:"net_amount"`
	OldCapital         decimal.Decimal `db:"old_capital"`
	ProvisionalCapital decimal.Decimal `db:"provisional_capital"`
	NewCapital         decimal.Decimal `db:"new_capital"`
	Buffer             decimal.Decimal `db:"buffer"`
	TierBefore         string          `db:"tier_before"`
	TierAfter          string          `db:"tier_after"`
	SettledAt          time.Time       `db:"settled_at"`
}

func (r recordRow) record() (Record, error) {
	rec := Record{
		UserID:             r.UserID,
		Date:               r.Date,
		Category:           r.Category,
		Gross:              r.Gross,
		FeeTotal:           r.FeeTotal,
		Tax:                r.Tax,
		NetAmount:          r.NetAmount,
		OldCapital:         r.OldCapital,
		ProvisionalCapital: r.ProvisionalCapital,
		NewCapital:         r.NewCapital,
		Buffer:             r.Buffer,
		TierBefore:         r.TierBefore,
		TierAfter:          r.TierAfter,
		SettledAt:          r.SettledAt,
	}
	if len(r.Fees) > 0 {
		if err := json.Unmarshal(r.Fees, &rec.Fees); err != nil {
			return Record{}, fmt.Errorf("decode fees for %s/%s: %w", r.UserID, r.Date, err)
		}
	}
	return rec, nil
}

// PostgresStore keeps records in the settlements table. The primary key on
// (user_id, trade_date) enforces settle-once even across processes.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

// OpenPostgres connects with the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create settlements table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fees, err := json.Marshal(rec.Fees)
	if err != nil {
		return fmt.Errorf("encode fees: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (user_id, trade_date, category, gross, fees, fee_total, tax, net_amount,
			old_capital, provisional_capital, new_capital, buffer, tier_before, tier_after, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_id, trade_date) DO NOTHING`,
		rec.UserID, rec.Date, rec.Category, rec.Gross, fees, rec.FeeTotal, rec.Tax, rec.NetAmount,
		rec.OldCapital, rec.ProvisionalCapital, rec.NewCapital, rec.Buffer, rec.TierBefore, rec.TierAfter, rec.SettledAt)
	if err != nil {
		return fmt.Errorf("insert settlement %s/%s: %w", rec.UserID, rec.Date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert settlement %s/%s: %w", rec.UserID, rec.Date, err)
	}
	if n == 0 {
		return ErrAlreadySettled
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, date string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+selectColumns+` FROM settlements WHERE user_id = $1 AND trade_date = $2`, userID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get settlement %s/%s: %w", userID, date, err)
	}
	return row.record()
}

func (s *PostgresStore) ListByDate(ctx context.Context, date string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM settlements WHERE trade_date = $1 ORDER BY user_id`, date); err != nil {
		return nil, fmt.Errorf("list settlements %s: %w", date, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) Latest(ctx context.Context, userID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+selectColumns+` FROM settlements WHERE user_id = $1 ORDER BY trade_date DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("latest settlement %s: %w", userID, err)
	}
	return row.record()
}

func (s *PostgresStore) BufferTotal(ctx context.Context, userID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var total decimal.Decimal
	if err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(buffer), 0) FROM settlements WHERE user_id = $1`, userID); err != nil {
		return decimal.Zero, fmt.Errorf("buffer total %s: %w", userID, err)
	}
	return total, nil
}
