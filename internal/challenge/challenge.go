// Package challenge holds the wager entity, its state machine, and the
// escrow record securing both participants' stakes.
//
// Flow:
//  1. Creator opens a challenge → creator's stake moves to escrow (pending)
//  2. Acceptor joins → acceptor's stake joins, escrow locks
//  3. Both sides submit proof of the outcome
//  4. Resolution pays the winner the pot minus the platform fee
//  5. Disputes go to admin adjudication (force-resolve or refund)
//
// Transitions here only validate and mutate the in-memory records; the
// settlement service persists the challenge, its escrow, and the affected
// ledgers together in one atomic transaction.
package challenge

import (
	"errors"
	"time"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrInvalidState      = errors.New("invalid challenge state for this operation")
	ErrInvalidWinner     = errors.New("winner must be a challenge participant")
	ErrUnauthorized      = errors.New("not authorized for this challenge operation")
	ErrDuplicateProof    = errors.New("proof already submitted by this participant")
	ErrInvalidStake      = errors.New("stake must be positive")
	ErrSelfAccept        = errors.New("cannot accept your own challenge")
)

// Status represents the state of a challenge.
type Status string

const (
	StatusOpen           Status = "open"            // Created, waiting for an acceptor
	StatusAccepted       Status = "accepted"        // Both stakes escrowed, playing
	StatusProofSubmitted Status = "proof_submitted" // One participant submitted proof
	StatusUnderReview    Status = "under_review"    // Both proofs in
	StatusDisputed       Status = "disputed"        // A participant disputed the outcome
	StatusCompleted      Status = "completed"       // Resolved with a winner
	StatusCancelled      Status = "cancelled"       // Creator cancelled before acceptance
	StatusRefunded       Status = "refunded"        // Admin refunded both stakes
)

// Proof is a participant's self-reported evidence of the outcome.
// The platform records it; it does not verify truthfulness.
type Proof struct {
	ParticipantID string    `json:"participantId"`
	Content       string    `json:"content"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// AuditNote records an admin adjudication on the challenge.
type AuditNote struct {
	AdminID   string    `json:"adminId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Challenge is a peer-to-peer wager. Stake is fixed at creation; each side
// commits the same amount.
type Challenge struct {
	ID            string        `json:"id"`
	CreatorID     string        `json:"creatorId"`
	AcceptorID    string        `json:"acceptorId,omitempty"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Stake         int64         `json:"stake"`
	FeeBps        int64         `json:"feeBps"`
	Status        Status        `json:"status"`
	Proofs        []Proof       `json:"proofs,omitempty"`
	WinnerID      string        `json:"winnerId,omitempty"`
	EscrowID      string        `json:"escrowId"`
	TimeLimit     time.Duration `json:"timeLimit,omitempty"` // informational proof window after acceptance
	DisputeReason string        `json:"disputeReason,omitempty"`
	AuditNote     *AuditNote    `json:"auditNote,omitempty"`
	AcceptedAt    *time.Time    `json:"acceptedAt,omitempty"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the challenge is in a final state.
// Terminal challenges accept no further mutation.
func (c *Challenge) IsTerminal() bool {
	switch c.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsParticipant reports whether userID is the creator or the acceptor.
func (c *Challenge) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.CreatorID || userID == c.AcceptorID)
}

// HasProofFrom reports whether the participant already submitted proof.
func (c *Challenge) HasProofFrom(userID string) bool {
	for _, p := range c.Proofs {
		if p.ParticipantID == userID {
			return true
		}
	}
	return false
}

// Accept transitions open → accepted. The settlement service verifies the
// acceptor's balance and escrows the stake in the same transaction.
func (c *Challenge) Accept(acceptorID string, now time.Time) error {
	if c.Status != StatusOpen {
		return ErrInvalidState
	}
	if acceptorID == c.CreatorID {
		return ErrSelfAccept
	}
	c.AcceptorID = acceptorID
	c.Status = StatusAccepted
	c.AcceptedAt = &now
	c.UpdatedAt = now
	return nil
}

// SubmitProof appends a participant's proof. The first submission moves the
// challenge to proof_submitted, the second to under_review. A duplicate
// submission by the same participant is rejected, not overwritten.
func (c *Challenge) SubmitProof(participantID, content string, now time.Time) error {
	if c.Status != StatusAccepted && c.Status != StatusProofSubmitted {
		return ErrInvalidState
	}
	if !c.IsParticipant(participantID) {
		return ErrUnauthorized
	}
	if c.HasProofFrom(participantID) {
		return ErrDuplicateProof
	}

	c.Proofs = append(c.Proofs, Proof{
		ParticipantID: participantID,
		Content:       content,
		SubmittedAt:   now,
	})
	if len(c.Proofs) >= 2 {
		c.Status = StatusUnderReview
	} else {
		c.Status = StatusProofSubmitted
	}
	c.UpdatedAt = now
	return nil
}

// Dispute transitions an in-play challenge to disputed. Only a participant
// may dispute; the reason is kept for the adjudicating admin.
func (c *Challenge) Dispute(callerID, reason string, now time.Time) error {
	switch c.Status {
	case StatusAccepted, StatusProofSubmitted, StatusUnderReview:
	default:
		return ErrInvalidState
	}
	if !c.IsParticipant(callerID) {
		return ErrUnauthorized
	}
	c.Status = StatusDisputed
	c.DisputeReason = reason
	c.UpdatedAt = now
	return nil
}

// Resolve marks the challenge completed with a winner. Participants can
// resolve from proof_submitted/under_review; an admin can additionally
// resolve a disputed challenge.
func (c *Challenge) Resolve(winnerID string, byAdmin bool, now time.Time) error {
	switch c.Status {
	case StatusProofSubmitted, StatusUnderReview:
	case StatusDisputed:
		if !byAdmin {
			return ErrInvalidState
		}
	default:
		return ErrInvalidState
	}
	if !c.IsParticipant(winnerID) {
		return ErrInvalidWinner
	}
	c.WinnerID = winnerID
	c.Status = StatusCompleted
	c.ResolvedAt = &now
	c.UpdatedAt = now
	return nil
}

// Cancel transitions open → cancelled. Only the creator can cancel, and only
// before anyone accepts; an accepted challenge must go through the
// dispute/refund path instead.
func (c *Challenge) Cancel(callerID string, now time.Time) error {
	if c.Status != StatusOpen {
		return ErrInvalidState
	}
	if callerID != c.CreatorID {
		return ErrUnauthorized
	}
	c.Status = StatusCancelled
	c.ResolvedAt = &now
	c.UpdatedAt = now
	return nil
}

// MarkRefunded transitions an admin-refundable challenge to refunded.
// Allowed from accepted, proof_submitted, under_review, and disputed.
func (c *Challenge) MarkRefunded(now time.Time) error {
	switch c.Status {
	case StatusAccepted, StatusProofSubmitted, StatusUnderReview, StatusDisputed:
	default:
		return ErrInvalidState
	}
	c.Status = StatusRefunded
	c.ResolvedAt = &now
	c.UpdatedAt = now
	return nil
}

// SetAuditNote stamps an admin adjudication record on the challenge.
func (c *Challenge) SetAuditNote(adminID, reason string, now time.Time) {
	c.AuditNote = &AuditNote{AdminID: adminID, Reason: reason, Timestamp: now}
	c.UpdatedAt = now
}

// ProofDeadline returns the time by which proof must be submitted, or zero
// if the challenge has no time limit or is not yet accepted. The deadline is
// informational unless the expiry sweeper is enabled.
func (c *Challenge) ProofDeadline() time.Time {
	if c.AcceptedAt == nil || c.TimeLimit <= 0 {
		return time.Time{}
	}
	return c.AcceptedAt.Add(c.TimeLimit)
}
