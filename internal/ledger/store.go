package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mailverify/mailverify/internal/model"
)

// MutateFunc changes a locked account in place and returns the ledger entry
// describing the change. A nil entry stores no ledger row, so the balances
// must be left as they were; bookkeeping fields are still saved. Returning
// an error aborts the mutation.
type MutateFunc func(acct *model.CreditAccount) (*model.CreditLedgerEntry, error)

// Store persists credit accounts and their ledger.
type Store interface {
	// Mutate runs fn against the user's account while holding that account's
	// lock, then stores the new balances and the returned entry atomically.
	// A missing account is created with zero balances when create is set,
	// otherwise ErrAccountNotFound is returned.
	Mutate(ctx context.Context, userID string, create bool, fn MutateFunc) (*model.CreditAccount, error)
	// GetAccount returns ErrAccountNotFound for unknown users.
	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	// ListEntries returns entries in insertion order, or reversed when newestFirst.
	ListEntries(ctx context.Context, userID string, newestFirst bool) ([]model.CreditLedgerEntry, error)
	// ListSubscribed returns users whose subscription is active at now and
	// whose last daily reset happened before the day of now.
	ListSubscribed(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryStore is an in-process Store with one mutex per account.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
}

type memoryAccount struct {
	mu      sync.Mutex
	account model.CreditAccount
	entries []model.CreditLedgerEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memoryAccount)}
}

func (s *MemoryStore) lookup(userID string, create bool) *memoryAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok && create {
		a = &memoryAccount{account: model.CreditAccount{UserID: userID}}
		s.accounts[userID] = a
	}
	return a
}

// Mutate implements Store.
func (s *MemoryStore) Mutate(_ context.Context, userID string, create bool, fn MutateFunc) (*model.CreditAccount, error) {
	a := s.lookup(userID, create)
	if a == nil {
		return nil, ErrAccountNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.account
	entry, err := fn(&next)
	if err != nil {
		return nil, err
	}
	a.account = next
	if entry != nil {
		a.entries = append(a.entries, *entry)
	}
	acct := a.account
	return &acct, nil
}

// GetAccount implements Store.
func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.CreditAccount, error) {
	a := s.lookup(userID, false)
	if a == nil {
		return nil, ErrAccountNotFound
	}
	a.mu.Lock()
	acct := a.account
	a.mu.Unlock()
	return &acct, nil
}

// ListEntries implements Store.
func (s *MemoryStore) ListEntries(_ context.Context, userID string, newestFirst bool) ([]model.CreditLedgerEntry, error) {
	a := s.lookup(userID, false)
	if a == nil {
		return []model.CreditLedgerEntry{}, nil
	}
	a.mu.Lock()
	entries := slices.Clone(a.entries)
	a.mu.Unlock()

	if newestFirst {
		slices.Reverse(entries)
	}
	if entries == nil {
		entries = []model.CreditLedgerEntry{}
	}
	return entries, nil
}

// ListSubscribed implements Store.
func (s *MemoryStore) ListSubscribed(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	accounts := make(map[string]*memoryAccount, len(s.accounts))
	for id, a := range s.accounts {
		accounts[id] = a
	}
	s.mu.Unlock()

	var users []string
	for id, a := range accounts {
		a.mu.Lock()
		subscribed := a.account.SubscriptionActive(now) && a.account.ResetDue(model.Day(now))
		a.mu.Unlock()
		if subscribed {
			users = append(users, id)
		}
	}
	slices.Sort(users)
	return users, nil
}
