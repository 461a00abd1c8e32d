package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duelpoint/duelpoint/internal/idgen"
	"github.com/duelpoint/duelpoint/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  map[string][]*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make(map[string][]*Entry),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string, grant int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreateLocked(userID, grant)
	cp := *acct
	return &cp, nil
}

// getOrCreateLocked requires m.mu held for writing.
func (m *MemoryStore) getOrCreateLocked(userID string, grant int64) *Account {
	if acct, ok := m.accounts[userID]; ok {
		return acct
	}
	now := time.Now()
	acct := &Account{
		UserID:    userID,
		Balance:   grant,
		Rating:    RatingStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[userID] = acct
	if grant > 0 {
		m.appendEntryLocked(&Entry{
			UserID: userID, Type: EntryGrant, Amount: grant,
			Description: "starting grant",
		})
	}
	return acct
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Balance += amount
	acct.UpdatedAt = time.Now()
	m.appendEntryLocked(&Entry{
		UserID: userID, Type: entryType, Amount: amount,
		Reference: reference, Description: description,
	})
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount int64, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Balance < amount {
		return ErrInsufficientBalance
	}
	acct.Balance -= amount
	acct.UpdatedAt = time.Now()
	m.appendEntryLocked(&Entry{
		UserID: userID, Type: entryType, Amount: amount,
		Reference: reference, Description: description,
	})
	return nil
}

func (m *MemoryStore) SetBanned(ctx context.Context, userID string, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Banned = banned
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[userID]
	result := make([]*Entry, 0, limit)
	// Newest first.
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := entries[i]
		if before != nil && !olderThan(e, before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// olderThan orders entries by (created_at, id), matching the SQL store.
func olderThan(e *Entry, c *pagination.Cursor) bool {
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return e.ID < c.ID
}

func (m *MemoryStore) Leaderboard(ctx context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if acct.Banned {
			continue
		}
		cp := *acct
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Rating != all[j].Rating {
			return all[i].Rating > all[j].Rating
		}
		return all[i].UserID < all[j].UserID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// appendEntryLocked requires m.mu held for writing.
func (m *MemoryStore) appendEntryLocked(e *Entry) {
	e.ID = idgen.New()
	e.CreatedAt = time.Now()
	m.entries[e.UserID] = append(m.entries[e.UserID], e)
}

// PutAccount replaces an account record. Used by the settlement store, which
// stages all mutations of a transaction and commits them together.
func (m *MemoryStore) PutAccount(acct *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accounts[acct.UserID] = &cp
}

// AppendEntry records a journal entry on behalf of the settlement store.
func (m *MemoryStore) AppendEntry(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.appendEntryLocked(&cp)
}
