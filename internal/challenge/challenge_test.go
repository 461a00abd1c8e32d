package challenge

import (
	"errors"
	"testing"
	"time"
)

func newOpenChallenge() *Challenge {
	now := time.Now()
	return &Challenge{
		ID:        "chl_test",
		CreatorID: "usr_creator",
		Stake:     100,
		FeeBps:    500,
		Status:    StatusOpen,
		EscrowID:  "esc_test",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func acceptedChallenge(t *testing.T) *Challenge {
	t.Helper()
	c := newOpenChallenge()
	if err := c.Accept("usr_acceptor", time.Now()); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	return c
}

func TestAccept(t *testing.T) {
	c := newOpenChallenge()
	if err := c.Accept("usr_acceptor", time.Now()); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if c.Status != StatusAccepted || c.AcceptorID != "usr_acceptor" {
		t.Errorf("after accept: status=%s acceptor=%s", c.Status, c.AcceptorID)
	}
	if c.AcceptedAt == nil {
		t.Error("AcceptedAt not set")
	}
}

func TestAccept_SelfRejected(t *testing.T) {
	c := newOpenChallenge()
	if err := c.Accept("usr_creator", time.Now()); !errors.Is(err, ErrSelfAccept) {
		t.Fatalf("self-accept = %v, want ErrSelfAccept", err)
	}
	if c.Status != StatusOpen {
		t.Error("failed accept must not mutate status")
	}
}

func TestAccept_NotOpen(t *testing.T) {
	c := acceptedChallenge(t)
	if err := c.Accept("usr_third", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second accept = %v, want ErrInvalidState", err)
	}
	if c.AcceptorID != "usr_acceptor" {
		t.Error("losing acceptor must not overwrite the winner of the race")
	}
}

func TestSubmitProof_FirstAndSecond(t *testing.T) {
	c := acceptedChallenge(t)

	if err := c.SubmitProof("usr_creator", "screenshot: 21-15", time.Now()); err != nil {
		t.Fatalf("first proof failed: %v", err)
	}
	if c.Status != StatusProofSubmitted {
		t.Errorf("after first proof: status=%s, want proof_submitted", c.Status)
	}

	if err := c.SubmitProof("usr_acceptor", "screenshot: 15-21", time.Now()); err != nil {
		t.Fatalf("second proof failed: %v", err)
	}
	if c.Status != StatusUnderReview {
		t.Errorf("after second proof: status=%s, want under_review", c.Status)
	}
	if len(c.Proofs) != 2 {
		t.Errorf("proofs len=%d, want 2", len(c.Proofs))
	}
}

func TestSubmitProof_DuplicateRejected(t *testing.T) {
	c := acceptedChallenge(t)
	if err := c.SubmitProof("usr_creator", "v1", time.Now()); err != nil {
		t.Fatal(err)
	}
	err := c.SubmitProof("usr_creator", "v2", time.Now())
	if !errors.Is(err, ErrDuplicateProof) {
		t.Fatalf("duplicate proof = %v, want ErrDuplicateProof", err)
	}
	if len(c.Proofs) != 1 || c.Proofs[0].Content != "v1" {
		t.Error("duplicate must be rejected, not overwritten")
	}
}

func TestSubmitProof_NonParticipant(t *testing.T) {
	c := acceptedChallenge(t)
	if err := c.SubmitProof("usr_random", "x", time.Now()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-participant proof = %v, want ErrUnauthorized", err)
	}
}

func TestSubmitProof_WrongState(t *testing.T) {
	c := newOpenChallenge()
	if err := c.SubmitProof("usr_creator", "x", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("proof while open = %v, want ErrInvalidState", err)
	}
}

func TestResolve(t *testing.T) {
	c := acceptedChallenge(t)
	_ = c.SubmitProof("usr_creator", "won", time.Now())

	if err := c.Resolve("usr_creator", false, time.Now()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Status != StatusCompleted || c.WinnerID != "usr_creator" {
		t.Errorf("after resolve: status=%s winner=%s", c.Status, c.WinnerID)
	}
}

func TestResolve_ThirdPartyWinnerRejected(t *testing.T) {
	c := acceptedChallenge(t)
	_ = c.SubmitProof("usr_creator", "won", time.Now())

	if err := c.Resolve("usr_random", false, time.Now()); !errors.Is(err, ErrInvalidWinner) {
		t.Fatalf("third-party winner = %v, want ErrInvalidWinner", err)
	}
}

func TestResolve_DisputedNeedsAdmin(t *testing.T) {
	c := acceptedChallenge(t)
	_ = c.Dispute("usr_acceptor", "they never showed up", time.Now())

	if err := c.Resolve("usr_creator", false, time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("participant resolving disputed = %v, want ErrInvalidState", err)
	}
	if err := c.Resolve("usr_creator", true, time.Now()); err != nil {
		t.Fatalf("admin resolving disputed failed: %v", err)
	}
	if c.Status != StatusCompleted {
		t.Errorf("status=%s, want completed", c.Status)
	}
}

func TestDispute(t *testing.T) {
	for _, setup := range []func(t *testing.T) *Challenge{
		acceptedChallenge,
		func(t *testing.T) *Challenge {
			c := acceptedChallenge(t)
			_ = c.SubmitProof("usr_creator", "p", time.Now())
			return c
		},
		func(t *testing.T) *Challenge {
			c := acceptedChallenge(t)
			_ = c.SubmitProof("usr_creator", "p", time.Now())
			_ = c.SubmitProof("usr_acceptor", "p", time.Now())
			return c
		},
	} {
		c := setup(t)
		if err := c.Dispute("usr_creator", "disagreement", time.Now()); err != nil {
			t.Fatalf("Dispute from %s failed: %v", c.Status, err)
		}
		if c.Status != StatusDisputed || c.DisputeReason != "disagreement" {
			t.Errorf("after dispute: status=%s reason=%q", c.Status, c.DisputeReason)
		}
	}
}

func TestDispute_OpenRejected(t *testing.T) {
	c := newOpenChallenge()
	if err := c.Dispute("usr_creator", "r", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute while open = %v, want ErrInvalidState", err)
	}
}

func TestCancel(t *testing.T) {
	c := newOpenChallenge()
	if err := c.Cancel("usr_creator", time.Now()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if c.Status != StatusCancelled {
		t.Errorf("status=%s, want cancelled", c.Status)
	}
}

func TestCancel_OnlyCreator(t *testing.T) {
	c := newOpenChallenge()
	if err := c.Cancel("usr_other", time.Now()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-creator cancel = %v, want ErrUnauthorized", err)
	}
}

func TestCancel_AfterAcceptRejected(t *testing.T) {
	c := acceptedChallenge(t)
	if err := c.Cancel("usr_creator", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after accept = %v, want ErrInvalidState", err)
	}
}

func TestMarkRefunded_States(t *testing.T) {
	now := time.Now()
	tests := []struct {
		status  Status
		allowed bool
	}{
		{StatusAccepted, true},
		// One-sided proof: an expired challenge waiting on the second
		// proof is cleared by admin refund.
		{StatusProofSubmitted, true},
		{StatusUnderReview, true},
		{StatusDisputed, true},
		{StatusOpen, false},
		{StatusCompleted, false},
		{StatusCancelled, false},
		{StatusRefunded, false},
	}
	for _, tt := range tests {
		c := acceptedChallenge(t)
		c.Status = tt.status
		err := c.MarkRefunded(now)
		if tt.allowed && err != nil {
			t.Errorf("MarkRefunded from %s = %v, want nil", tt.status, err)
		}
		if !tt.allowed && !errors.Is(err, ErrInvalidState) {
			t.Errorf("MarkRefunded from %s = %v, want ErrInvalidState", tt.status, err)
		}
		if tt.allowed && c.Status != StatusRefunded {
			t.Errorf("status after refund = %s, want refunded", c.Status)
		}
	}
}

func TestTerminalStatesImmutable(t *testing.T) {
	terminal := func() *Challenge {
		c := acceptedChallenge(t)
		_ = c.SubmitProof("usr_creator", "p", time.Now())
		if err := c.Resolve("usr_creator", false, time.Now()); err != nil {
			t.Fatal(err)
		}
		return c
	}()

	now := time.Now()
	if err := terminal.Accept("usr_x", now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Accept on completed = %v", err)
	}
	if err := terminal.SubmitProof("usr_creator", "p", now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SubmitProof on completed = %v", err)
	}
	if err := terminal.Dispute("usr_creator", "r", now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Dispute on completed = %v", err)
	}
	if err := terminal.Resolve("usr_acceptor", true, now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resolve on completed = %v", err)
	}
	if err := terminal.Cancel("usr_creator", now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Cancel on completed = %v", err)
	}
	if err := terminal.MarkRefunded(now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkRefunded on completed = %v", err)
	}
}

func TestProofDeadline(t *testing.T) {
	c := newOpenChallenge()
	if !c.ProofDeadline().IsZero() {
		t.Error("open challenge has no deadline")
	}

	c.TimeLimit = time.Hour
	_ = c.Accept("usr_acceptor", time.Now())
	deadline := c.ProofDeadline()
	if deadline.IsZero() {
		t.Fatal("accepted challenge with time limit should have a deadline")
	}
	if want := c.AcceptedAt.Add(time.Hour); !deadline.Equal(want) {
		t.Errorf("deadline=%v, want %v", deadline, want)
	}
}
