package settlement

import (
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/governor/internal/policy"
)

var recordColumns = []string{
	"user_id", "trade_date", "category", "gross", "fees", "fee_total", "tax", "net_amount",
	"old_capital", "provisional_capital", "new_capital", "buffer", "tier_before", "tier_after", "settled_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres"), time.Second), mock
}

func sampleRecord(t *testing.T) Record {
	t.Helper()
	rec, err := NewEngine(policy.Default()).Compute(Input{
		UserID: "u1", Date: "2026-10-16", Category: "standard", Tier: "S3",
		OldCapital: d("1000000"), Gross: d("100000"), Now: settledAt,
	})
	require.NoError(t, err)
	return rec
}

func insertArgs(rec Record) []driver.Value {
	args := []driver.Value{rec.UserID, rec.Date, rec.Category}
	for i := 0; i < 12; i++ {
		args = append(args, sqlmock.AnyArg())
	}
	return args
}

func TestPostgresStore_Insert(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlements")).
		WithArgs(insertArgs(rec)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(ctx, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertConflictIsAlreadySettled(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord(t)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (user_id, trade_date) DO NOTHING")).
		WithArgs(insertArgs(rec)...).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.Insert(ctx, rec), ErrAlreadySettled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	fees := []byte(`[{"name":"platform","account":"fees:platform","amount":"10000"},{"name":"advisor","account":"fees:advisor","amount":"5000"}]`)
	rows := sqlmock.NewRows(recordColumns).AddRow(
		"u1", "2026-10-16", "standard", "100000.00", fees, "15000.00", "12750.00", "72250.00",
		"1000000.00", "1072250.00", "1000000.00", "72250.00", "S3", "S3", settledAt,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements WHERE user_id = $1 AND trade_date = $2")).
		WithArgs("u1", "2026-10-16").
		WillReturnRows(rows)

	rec, err := store.Get(ctx, "u1", "2026-10-16")
	require.NoError(t, err)
	assertDec(t, "1000000", rec.NewCapital)
	assertDec(t, "72250", rec.Buffer)
	require.Len(t, rec.Fees, 2)
	assertDec(t, "5000", rec.Fees[1].Amount)
	assert.Equal(t, settledAt, rec.SettledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements WHERE user_id = $1")).
		WithArgs("u9", "2026-10-16").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := store.Get(ctx, "u9", "2026-10-16")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByDate(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows(recordColumns).
		AddRow("u1", "2026-10-16", "standard", "-100.00", []byte(`[]`), "0", "0", "-100.00",
			"1000000", "999900", "900000", "99900", "S3", "S3", settledAt).
		AddRow("u2", "2026-10-16", "pro", "0", []byte(`[]`), "0", "0", "0",
			"1250000", "1250000", "1200000", "50000", "P2", "P2", settledAt)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE trade_date = $1 ORDER BY user_id")).
		WithArgs("2026-10-16").
		WillReturnRows(rows)

	recs, err := store.ListByDate(ctx, "2026-10-16")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "u2", recs[1].UserID)
	assertDec(t, "50000", recs[1].Buffer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Latest(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows(recordColumns).AddRow(
		"u1", "2026-10-16", "standard", "50000.00", []byte(`[]`), "0", "0", "50000.00",
		"240000.00", "290000.00", "275000.00", "15000.00", "S1", "S2", settledAt,
	)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 ORDER BY trade_date DESC LIMIT 1")).
		WithArgs("u1").
		WillReturnRows(rows)

	rec, err := store.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-16", rec.Date)
	assert.Equal(t, "S2", rec.TierAfter)
	assertDec(t, "275000", rec.NewCapital)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY trade_date DESC LIMIT 1")).
		WithArgs("u9").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := store.Latest(ctx, "u9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BufferTotal(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(buffer), 0) FROM settlements WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("87250.00"))

	total, err := store.BufferTotal(ctx, "u1")
	require.NoError(t, err)
	assertDec(t, "87250", total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS settlements")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Migrate(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
