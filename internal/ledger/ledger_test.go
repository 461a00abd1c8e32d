package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetAccount_FirstInteractionGrant(t *testing.T) {
	l := New(NewMemoryStore(), 100)
	ctx := context.Background()

	acct, err := l.GetAccount(ctx, "usr_alice")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 100 {
		t.Errorf("starting balance = %d, want 100", acct.Balance)
	}
	if acct.Rating != RatingStart {
		t.Errorf("starting rating = %d, want %d", acct.Rating, RatingStart)
	}

	// The grant is credited once, not on every read.
	acct, err = l.GetAccount(ctx, "usr_alice")
	if err != nil {
		t.Fatalf("second GetAccount failed: %v", err)
	}
	if acct.Balance != 100 {
		t.Errorf("balance after re-read = %d, want 100", acct.Balance)
	}

	entries, next, err := l.History(ctx, "usr_alice", 10, "")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != EntryGrant {
		t.Errorf("expected a single grant entry, got %+v", entries)
	}
	if next != "" {
		t.Errorf("single-page history should have no next cursor, got %q", next)
	}
}

func TestHistoryPaging(t *testing.T) {
	l := New(NewMemoryStore(), 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Credit(ctx, "usr_page", 10, "", "deposit"); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	first, next, err := l.History(ctx, "usr_page", 2, "")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(first) != 2 || next == "" {
		t.Fatalf("first page: got %d entries, cursor %q", len(first), next)
	}

	second, next2, err := l.History(ctx, "usr_page", 2, next)
	if err != nil {
		t.Fatalf("History with cursor failed: %v", err)
	}
	if len(second) != 2 || next2 == "" {
		t.Fatalf("second page: got %d entries, cursor %q", len(second), next2)
	}
	// Pages do not overlap and stay newest-first.
	if !second[0].CreatedAt.Before(first[1].CreatedAt) && second[0].ID == first[1].ID {
		t.Error("second page repeated an entry from the first")
	}

	last, next3, err := l.History(ctx, "usr_page", 2, next2)
	if err != nil {
		t.Fatalf("History for last page failed: %v", err)
	}
	if len(last) != 1 || next3 != "" {
		t.Fatalf("last page: got %d entries, cursor %q", len(last), next3)
	}
}

func TestHistory_InvalidCursor(t *testing.T) {
	l := New(NewMemoryStore(), 0)
	_, _, err := l.History(context.Background(), "usr_x", 10, "not-a-cursor!!!")
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestCreditDebit(t *testing.T) {
	l := New(NewMemoryStore(), 0)
	ctx := context.Background()

	if err := l.Credit(ctx, "usr_bob", 500, "pi_123", "card deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := l.Debit(ctx, "usr_bob", 200, "wd_1", "withdrawal"); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	acct, _ := l.GetAccount(ctx, "usr_bob")
	if acct.Balance != 300 {
		t.Errorf("balance = %d, want 300", acct.Balance)
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	l := New(NewMemoryStore(), 50)
	ctx := context.Background()

	if _, err := l.GetAccount(ctx, "usr_carol"); err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	err := l.Debit(ctx, "usr_carol", 51, "wd_1", "withdrawal")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No partial mutation.
	acct, _ := l.GetAccount(ctx, "usr_carol")
	if acct.Balance != 50 {
		t.Errorf("balance after failed debit = %d, want 50", acct.Balance)
	}
}

func TestInvalidAmounts(t *testing.T) {
	l := New(NewMemoryStore(), 100)
	ctx := context.Background()

	if err := l.Credit(ctx, "usr_dave", 0, "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Credit(0) = %v, want ErrInvalidAmount", err)
	}
	if err := l.Debit(ctx, "usr_dave", -5, "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Debit(-5) = %v, want ErrInvalidAmount", err)
	}
}

func TestAccountEscrowBookkeeping(t *testing.T) {
	now := time.Now()
	acct := &Account{UserID: "usr_erin", Balance: 100, Rating: RatingStart}

	if err := acct.MoveToEscrow(40, now); err != nil {
		t.Fatalf("MoveToEscrow failed: %v", err)
	}
	if acct.Balance != 60 || acct.Escrowed != 40 {
		t.Fatalf("after lock: balance=%d escrowed=%d, want 60/40", acct.Balance, acct.Escrowed)
	}

	if err := acct.MoveToEscrow(61, now); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraft lock = %v, want ErrInsufficientBalance", err)
	}

	if err := acct.ReleaseFromEscrow(40, now); err != nil {
		t.Fatalf("ReleaseFromEscrow failed: %v", err)
	}
	if acct.Balance != 100 || acct.Escrowed != 0 {
		t.Fatalf("after release: balance=%d escrowed=%d, want 100/0", acct.Balance, acct.Escrowed)
	}

	if err := acct.ReleaseFromEscrow(1, now); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("release beyond escrowed = %v, want ErrInvalidAmount", err)
	}
}

func TestRatingBounds(t *testing.T) {
	now := time.Now()

	winner := &Account{UserID: "w", Escrowed: 10, Rating: RatingCap - 10}
	winner.ApplyWin(10, 19, now)
	if winner.Rating != RatingCap {
		t.Errorf("winner rating = %d, want capped at %d", winner.Rating, RatingCap)
	}
	if winner.Balance != 19 || winner.Escrowed != 0 || winner.TotalWon != 19 {
		t.Errorf("winner funds wrong: %+v", winner)
	}

	loser := &Account{UserID: "l", Escrowed: 10, Rating: RatingFloor + 5}
	loser.ApplyLoss(10, now)
	if loser.Rating != RatingFloor {
		t.Errorf("loser rating = %d, want floored at %d", loser.Rating, RatingFloor)
	}
	if loser.Escrowed != 0 || loser.TotalLost != 10 {
		t.Errorf("loser funds wrong: %+v", loser)
	}
}

func TestSetBanned_DoesNotTouchFunds(t *testing.T) {
	l := New(NewMemoryStore(), 100)
	ctx := context.Background()

	acct, _ := l.GetAccount(ctx, "usr_frank")
	if err := l.SetBanned(ctx, "usr_frank", true); err != nil {
		t.Fatalf("SetBanned failed: %v", err)
	}

	banned, _ := l.GetAccount(ctx, "usr_frank")
	if !banned.Banned {
		t.Fatal("account should be banned")
	}
	if banned.Balance != acct.Balance || banned.Escrowed != acct.Escrowed {
		t.Fatal("ban must not touch financial fields")
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 0)
	ctx := context.Background()

	for _, u := range []struct {
		id     string
		rating int
	}{{"usr_a", 1200}, {"usr_b", 2000}, {"usr_c", 900}} {
		acct, _ := l.GetAccount(ctx, u.id)
		acct.Rating = u.rating
		store.PutAccount(acct)
	}
	_ = l.SetBanned(ctx, "usr_c", true)

	top, err := l.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 entries (banned excluded), got %d", len(top))
	}
	if top[0].UserID != "usr_b" || top[1].UserID != "usr_a" {
		t.Errorf("wrong order: %s, %s", top[0].UserID, top[1].UserID)
	}
}

func TestConcurrentDebits_NeverNegative(t *testing.T) {
	l := New(NewMemoryStore(), 100)
	ctx := context.Background()
	if _, err := l.GetAccount(ctx, "usr_grace"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Debit(ctx, "usr_grace", 10, "", "concurrent withdrawal")
		}()
	}
	wg.Wait()

	acct, _ := l.GetAccount(ctx, "usr_grace")
	if acct.Balance < 0 {
		t.Fatalf("balance went negative: %d", acct.Balance)
	}
}
