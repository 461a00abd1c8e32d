package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/ledger"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
// One commit mutex serializes whole settlement transactions, so transactions
// never conflict and ErrConflict is never returned. All mutations are staged
// in the transaction and applied together on success; a failing guard leaves
// every record untouched.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]*challenge.Challenge
	escrows    map[string]*challenge.Escrow
	accounts   *ledger.MemoryStore
}

// NewMemoryStore creates a settlement store over the given ledger store.
// Sharing the ledger store keeps standalone balance reads consistent with
// settled challenges.
func NewMemoryStore(accounts *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*challenge.Challenge),
		escrows:    make(map[string]*challenge.Escrow),
		accounts:   accounts,
	}
}

func (m *MemoryStore) RunSettlement(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:      m,
		challenges: make(map[string]*challenge.Challenge),
		escrows:    make(map[string]*challenge.Escrow),
		accounts:   make(map[string]*ledger.Account),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, c := range tx.challenges {
		m.challenges[id] = copyChallenge(c)
	}
	for id, e := range tx.escrows {
		cp := *e
		m.escrows[id] = &cp
	}
	for _, a := range tx.accounts {
		m.accounts.PutAccount(a)
	}
	for _, e := range tx.entries {
		m.accounts.AppendEntry(e)
	}
	return nil
}

func (m *MemoryStore) GetChallenge(ctx context.Context, id string) (*challenge.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, challenge.ErrChallengeNotFound
	}
	return copyChallenge(c), nil
}

func (m *MemoryStore) ListChallenges(ctx context.Context, filter ListFilter, limit int) ([]*challenge.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*challenge.Challenge
	for _, c := range m.challenges {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Participant != "" && !c.IsParticipant(filter.Participant) {
			continue
		}
		out = append(out, copyChallenge(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*challenge.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*challenge.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*challenge.Challenge
	for _, c := range m.challenges {
		if c.Status != challenge.StatusAccepted && c.Status != challenge.StatusProofSubmitted {
			continue
		}
		deadline := c.ProofDeadline()
		if deadline.IsZero() || !deadline.Before(before) {
			continue
		}
		out = append(out, copyChallenge(c))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// memoryTx stages all writes; reads see the transaction's own writes first.
type memoryTx struct {
	store      *MemoryStore
	challenges map[string]*challenge.Challenge
	escrows    map[string]*challenge.Escrow
	accounts   map[string]*ledger.Account
	entries    []*ledger.Entry
}

func (t *memoryTx) Challenge(ctx context.Context, id string) (*challenge.Challenge, error) {
	if c, ok := t.challenges[id]; ok {
		return c, nil
	}
	c, ok := t.store.challenges[id]
	if !ok {
		return nil, challenge.ErrChallengeNotFound
	}
	cp := copyChallenge(c)
	t.challenges[id] = cp
	return cp, nil
}

func (t *memoryTx) PutChallenge(ctx context.Context, c *challenge.Challenge) error {
	t.challenges[c.ID] = c
	return nil
}

func (t *memoryTx) Escrow(ctx context.Context, id string) (*challenge.Escrow, error) {
	if e, ok := t.escrows[id]; ok {
		return e, nil
	}
	e, ok := t.store.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	t.escrows[id] = &cp
	return &cp, nil
}

func (t *memoryTx) PutEscrow(ctx context.Context, e *challenge.Escrow) error {
	t.escrows[e.ID] = e
	return nil
}

func (t *memoryTx) Account(ctx context.Context, userID string, grant int64) (*ledger.Account, error) {
	if a, ok := t.accounts[userID]; ok {
		return a, nil
	}
	a, err := t.store.accounts.GetAccount(ctx, userID)
	if err != nil {
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, err
		}
		// First interaction: stage the account with the starting grant.
		// Like the SQL path, the creation only lands if the whole
		// transaction commits.
		now := time.Now()
		a = &ledger.Account{
			UserID:    userID,
			Balance:   grant,
			Rating:    ledger.RatingStart,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if grant > 0 {
			t.entries = append(t.entries, &ledger.Entry{
				UserID: userID, Type: ledger.EntryGrant, Amount: grant,
				Description: "starting grant",
			})
		}
	}
	t.accounts[userID] = a
	return a, nil
}

func (t *memoryTx) PutAccount(ctx context.Context, a *ledger.Account) error {
	t.accounts[a.UserID] = a
	return nil
}

func (t *memoryTx) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	t.entries = append(t.entries, e)
	return nil
}

func copyChallenge(c *challenge.Challenge) *challenge.Challenge {
	cp := *c
	if len(c.Proofs) > 0 {
		cp.Proofs = make([]challenge.Proof, len(c.Proofs))
		copy(cp.Proofs, c.Proofs)
	}
	if c.AuditNote != nil {
		note := *c.AuditNote
		cp.AuditNote = &note
	}
	if c.AcceptedAt != nil {
		at := *c.AcceptedAt
		cp.AcceptedAt = &at
	}
	if c.ResolvedAt != nil {
		rt := *c.ResolvedAt
		cp.ResolvedAt = &rt
	}
	return &cp
}
