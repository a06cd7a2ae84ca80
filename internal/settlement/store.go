package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("settlement record not found")

// Store persists settlement records. Insert must fail with ErrAlreadySettled
// when a record for the same (user, date) exists. Latest returns the user's
// newest record by trade date, or ErrNotFound; BufferTotal sums every
// rounding buffer the user has accrued.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, userID, date string) (Record, error)
	ListByDate(ctx context.Context, date string) ([]Record, error)
	Latest(ctx context.Context, userID string) (Record, error)
	BufferTotal(ctx context.Context, userID string) (decimal.Decimal, error)
}

type recordKey struct{ user, date string }

type MemoryStore struct {
	mu   sync.RWMutex
	recs map[recordKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[recordKey]Record{}}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{rec.UserID, rec.Date}
	if _, ok := m.recs[k]; ok {
		return ErrAlreadySettled
	}
	m.recs[k] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID, date string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[recordKey{userID, date}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListByDate(_ context.Context, date string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for k, rec := range m.recs {
		if k.date == date {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context, userID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		out   Record
		found bool
	)
	for k, rec := range m.recs {
		// dates are YYYY-MM-DD so string order is date order
		if k.user == userID && (!found || k.date > out.Date) {
			out, found = rec, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return out, nil
}

func (m *MemoryStore) BufferTotal(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for k, rec := range m.recs {
		if k.user == userID {
			total = total.Add(rec.Buffer)
		}
	}
	return total, nil
}
