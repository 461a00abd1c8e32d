package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/ledger"
	"github.com/duelpoint/duelpoint/internal/testutil"
)

func TestRetryableErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"unique violation (lost creation race)", &pq.Error{Code: "23505"}, true},
		{"check violation is a policy error", &pq.Error{Code: "23514"}, false},
		{"wrapped pq error", fmt.Errorf("write escrow: %w", &pq.Error{Code: "40001"}), true},
		{"plain error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("%s: isRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func newPGService(t *testing.T) (*Service, *ledger.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(NewPostgresStore(db), Config{
		FeeBps:        500,
		MinStake:      1,
		MaxStake:      1_000_000,
		StartingGrant: 1000,
		// Test-scoped fee account, so the assertion is exact even when
		// other packages hit the same database.
		PlatformAccount: "usr_set_platform",
		MaxAttempts:     3,
		RetryBaseDelay:  time.Millisecond,
	}, logger, nil)
	return svc, ledger.NewPostgresStore(db), cleanup
}

func TestPostgresStore_SettlementLifecycle(t *testing.T) {
	svc, accounts, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, CreateParams{
		CreatorID: "usr_set_creator", Title: "pg round trip", Stake: 100,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if _, err := svc.AcceptChallenge(ctx, ch.ID, "usr_set_acceptor"); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	if _, err := svc.SubmitProof(ctx, ch.ID, "usr_set_creator", "screenshot"); err != nil {
		t.Fatalf("SubmitProof creator: %v", err)
	}
	if _, err := svc.SubmitProof(ctx, ch.ID, "usr_set_acceptor", "replay"); err != nil {
		t.Fatalf("SubmitProof acceptor: %v", err)
	}

	result, err := svc.ResolveChallenge(ctx, ch.ID, "usr_set_acceptor", "usr_set_creator", false, "")
	if err != nil {
		t.Fatalf("ResolveChallenge: %v", err)
	}
	if result.Payout != 190 || result.Fee != 10 {
		t.Errorf("payout/fee = %d/%d, want 190/10", result.Payout, result.Fee)
	}

	got, err := svc.GetChallenge(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if got.Status != challenge.StatusCompleted || got.WinnerID != "usr_set_creator" {
		t.Errorf("challenge = %s/%s, want completed/usr_set_creator", got.Status, got.WinnerID)
	}
	esc, err := svc.GetEscrow(ctx, ch.EscrowID)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if esc.Status != challenge.EscrowReleased {
		t.Errorf("escrow status = %s, want released", esc.Status)
	}

	checks := []struct {
		user          string
		balance, held int64
	}{
		{"usr_set_creator", 1090, 0},
		{"usr_set_acceptor", 900, 0},
		{"usr_set_platform", 10, 0},
	}
	for _, c := range checks {
		acct, err := accounts.GetAccount(ctx, c.user)
		if err != nil {
			t.Fatalf("GetAccount(%s): %v", c.user, err)
		}
		if acct.Balance != c.balance || acct.Escrowed != c.held {
			t.Errorf("%s balance/escrowed = %d/%d, want %d/%d",
				c.user, acct.Balance, acct.Escrowed, c.balance, c.held)
		}
	}
}

func TestPostgresStore_FailedSettlementRollsBack(t *testing.T) {
	svc, accounts, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()

	// The stake exceeds the starting grant, so the transaction that would
	// have created the account aborts.
	_, err := svc.CreateChallenge(ctx, CreateParams{
		CreatorID: "usr_set_broke", Title: "overreach", Stake: 5000,
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The account insert and grant entry rolled back with it.
	if _, err := accounts.GetAccount(ctx, "usr_set_broke"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("expected no account after rollback, got %v", err)
	}

	challenges, err := svc.ListChallenges(ctx, ListFilter{Participant: "usr_set_broke"}, 10)
	if err != nil {
		t.Fatalf("ListChallenges: %v", err)
	}
	if len(challenges) != 0 {
		t.Errorf("found %d challenges after rollback, want 0", len(challenges))
	}
}
