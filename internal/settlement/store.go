package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/ledger"
)

// ErrConflict indicates the settlement transaction lost an
// optimistic-concurrency race and may be retried. Everything else returned
// from a settlement run is a policy violation and must not be retried.
var (
	ErrConflict       = errors.New("settlement transaction conflict")
	ErrEscrowNotFound = errors.New("escrow not found")
)

// Tx is the view of one running settlement transaction. All reads see the
// transaction's own writes; nothing is visible outside until the whole
// operation commits. Guard failures abort the transaction with no partial
// state persisted.
type Tx interface {
	Challenge(ctx context.Context, id string) (*challenge.Challenge, error)
	PutChallenge(ctx context.Context, c *challenge.Challenge) error
	Escrow(ctx context.Context, id string) (*challenge.Escrow, error)
	PutEscrow(ctx context.Context, e *challenge.Escrow) error
	// Account loads a ledger account for update, creating it with the given
	// starting grant on first interaction (grant 0 for the platform account).
	Account(ctx context.Context, userID string, grant int64) (*ledger.Account, error)
	PutAccount(ctx context.Context, a *ledger.Account) error
	AppendEntry(ctx context.Context, e *ledger.Entry) error
}

// ListFilter narrows ListChallenges results.
type ListFilter struct {
	Status      challenge.Status // empty matches all
	Participant string           // creator or acceptor; empty matches all
}

// Store persists challenges and escrows and provides the atomic transaction
// boundary every settlement operation runs inside.
type Store interface {
	// RunSettlement executes fn inside one atomic transaction spanning
	// challenge, escrow, and ledger records. It returns ErrConflict when the
	// transaction must be re-run from fresh state.
	RunSettlement(ctx context.Context, fn func(tx Tx) error) error

	GetChallenge(ctx context.Context, id string) (*challenge.Challenge, error)
	ListChallenges(ctx context.Context, filter ListFilter, limit int) ([]*challenge.Challenge, error)
	GetEscrow(ctx context.Context, id string) (*challenge.Escrow, error)
	// ListExpired returns non-terminal accepted/proof_submitted challenges
	// whose proof deadline passed before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*challenge.Challenge, error)
}
