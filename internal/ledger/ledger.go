// Package ledger tracks per-user balances on the platform.
//
// Flow:
//  1. User's first interaction creates an account with the starting grant
//  2. Creating/accepting a challenge moves stake: balance → escrowed
//  3. Resolution moves the pot (minus the platform fee) to the winner
//  4. Refund/cancel moves stake back: escrowed → balance
//
// Every mutation that is paired with a challenge or escrow state change goes
// through the settlement transaction instead of the standalone operations
// here. The standalone Credit/Debit operations exist for external
// collaborators (payments top-up, withdrawals) that touch one account only.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/duelpoint/duelpoint/internal/pagination"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidCursor       = errors.New("invalid cursor")
)

// Rating bounds and fixed adjustment applied on resolution.
const (
	RatingStart = 1000
	RatingFloor = 100
	RatingCap   = 3000
	RatingWin   = 25
	RatingLoss  = 15
)

// Entry types recorded in the ledger journal.
const (
	EntryGrant       = "grant"
	EntryDeposit     = "deposit"
	EntryWithdrawal  = "withdrawal"
	EntryStakeLock   = "stake_lock"
	EntryStakeRefund = "stake_refund"
	EntryPayout      = "payout"
	EntryFee         = "fee"
)

// Account is a user's balance and escrow bookkeeping record.
// Balance and Escrowed are whole units of virtual currency.
type Account struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	Escrowed  int64     `json:"escrowed"`
	TotalWon  int64     `json:"totalWon"`
	TotalLost int64     `json:"totalLost"`
	Rating    int       `json:"rating"`
	Banned    bool      `json:"banned"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ApplyWin records a won pot: the account's own stake leaves escrow and the
// payout (both stakes minus the platform fee) lands on the balance.
func (a *Account) ApplyWin(stake, payout int64, now time.Time) {
	a.Escrowed -= stake
	a.Balance += payout
	a.TotalWon += payout
	a.Rating += RatingWin
	if a.Rating > RatingCap {
		a.Rating = RatingCap
	}
	a.UpdatedAt = now
}

// ApplyLoss records a lost stake leaving escrow.
func (a *Account) ApplyLoss(stake int64, now time.Time) {
	a.Escrowed -= stake
	a.TotalLost += stake
	a.Rating -= RatingLoss
	if a.Rating < RatingFloor {
		a.Rating = RatingFloor
	}
	a.UpdatedAt = now
}

// MoveToEscrow locks stake: balance → escrowed.
// Fails with ErrInsufficientBalance rather than driving the balance negative.
func (a *Account) MoveToEscrow(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.Balance < amount {
		return ErrInsufficientBalance
	}
	a.Balance -= amount
	a.Escrowed += amount
	a.UpdatedAt = now
	return nil
}

// ReleaseFromEscrow returns stake: escrowed → balance.
func (a *Account) ReleaseFromEscrow(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.Escrowed < amount {
		return ErrInvalidAmount
	}
	a.Escrowed -= amount
	a.Balance += amount
	a.UpdatedAt = now
	return nil
}

// Entry represents a ledger journal entry
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // challenge ID, escrow ID, payment intent ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists ledger data
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	GetOrCreate(ctx context.Context, userID string, grant int64) (*Account, error)
	Credit(ctx context.Context, userID string, amount int64, entryType, reference, description string) error
	Debit(ctx context.Context, userID string, amount int64, entryType, reference, description string) error
	SetBanned(ctx context.Context, userID string, banned bool) error
	History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Entry, error)
	Leaderboard(ctx context.Context, limit int) ([]*Account, error)
}

// Ledger manages user accounts
type Ledger struct {
	store Store
	grant int64
}

// New creates a new ledger. grant is the starting balance credited to an
// account on first interaction.
func New(store Store, grant int64) *Ledger {
	return &Ledger{store: store, grant: grant}
}

// GetAccount returns a user's account, creating it with the starting grant
// on first interaction.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return l.store.GetOrCreate(ctx, userID, l.grant)
}

// Credit increases a user's balance. Used by the payments collaborator after
// an external payment clears.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reference, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.store.GetOrCreate(ctx, userID, l.grant); err != nil {
		return err
	}
	return l.store.Credit(ctx, userID, amount, EntryDeposit, reference, description)
}

// Debit decreases a user's balance, failing with ErrInsufficientBalance
// rather than going negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reference, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if acct.Balance < amount {
		return ErrInsufficientBalance
	}
	return l.store.Debit(ctx, userID, amount, EntryWithdrawal, reference, description)
}

// SetBanned toggles a user's ban flag. The flag lives outside the financial
// invariants: escrowed funds in in-flight challenges are untouched.
func (l *Ledger) SetBanned(ctx context.Context, userID string, banned bool) error {
	if _, err := l.store.GetOrCreate(ctx, userID, l.grant); err != nil {
		return err
	}
	return l.store.SetBanned(ctx, userID, banned)
}

// History returns a page of ledger entries for a user, newest first.
// cursor is an opaque position from a previous page; the returned cursor is
// empty when no older entries remain.
func (l *Ledger) History(ctx context.Context, userID string, limit int, cursor string) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}

	// Fetch one extra row to learn whether another page exists.
	entries, err := l.store.History(ctx, userID, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	entries, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return entries, next, nil
}

// Leaderboard returns the top accounts by rating
func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]*Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return l.store.Leaderboard(ctx, limit)
}
