package settlement

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Account is a user's trading sub-account between settlements. Buffer is the
// running total of rounding remainders; it stays in the account and is never
// transferred or traded.
type Account struct {
	UserID   string          `json:"user_id"`
	Category string          `json:"category"`
	Tier     string          `json:"tier"`
	Capital  decimal.Decimal `json:"capital"`
	Buffer   decimal.Decimal `json:"buffer"`
}

type AccountBook struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewAccountBook() *AccountBook {
	return &AccountBook{accounts: map[string]Account{}}
}

// Open adds an account. Reopening keeps the existing balance.
func (b *AccountBook) Open(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[a.UserID]; ok {
		return
	}
	if a.Buffer.IsZero() {
		a.Buffer = decimal.Zero
	}
	b.accounts[a.UserID] = a
}

func (b *AccountBook) Get(userID string) (Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.accounts[userID]
	if !ok {
		return Account{}, fmt.Errorf("account %q not open", userID)
	}
	return a, nil
}

// Apply moves the account onto a settled record's outcome.
func (b *AccountBook) Apply(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accounts[rec.UserID]
	a.UserID = rec.UserID
	a.Category = rec.Category
	a.Tier = rec.TierAfter
	a.Capital = rec.NewCapital
	a.Buffer = a.Buffer.Add(rec.Buffer)
	b.accounts[rec.UserID] = a
}

func (b *AccountBook) Users() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.accounts))
	for id := range b.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
