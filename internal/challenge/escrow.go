package challenge

import "time"

// EscrowStatus represents the state of an escrow.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"  // Only the creator's stake held
	EscrowLocked   EscrowStatus = "locked"   // Both stakes held
	EscrowReleased EscrowStatus = "released" // Paid out to the winner, fee withheld
	EscrowRefunded EscrowStatus = "refunded" // Stakes returned, no fee charged
)

// Escrow holds the staked funds for one challenge (1:1). It is created with
// the challenge in pending, locks when the acceptor stakes, and resolves
// exactly once to released or refunded.
type Escrow struct {
	ID            string       `json:"id"`
	ChallengeID   string       `json:"challengeId"`
	CreatorID     string       `json:"creatorId"`
	AcceptorID    string       `json:"acceptorId,omitempty"`
	CreatorStake  int64        `json:"creatorStake"`
	AcceptorStake int64        `json:"acceptorStake"`
	PlatformFee   int64        `json:"platformFee"`
	FeeBps        int64        `json:"feeBps"`
	Status        EscrowStatus `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// NewEscrow opens an escrow for a challenge, holding the creator's stake.
func NewEscrow(id, challengeID, creatorID string, stake, feeBps int64, now time.Time) (*Escrow, error) {
	if stake <= 0 {
		return nil, ErrInvalidStake
	}
	return &Escrow{
		ID:           id,
		ChallengeID:  challengeID,
		CreatorID:    creatorID,
		CreatorStake: stake,
		FeeBps:       feeBps,
		Status:       EscrowPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsTerminal returns true once the escrow has been released or refunded.
func (e *Escrow) IsTerminal() bool {
	return e.Status == EscrowReleased || e.Status == EscrowRefunded
}

// Total returns the full pot currently held.
func (e *Escrow) Total() int64 {
	return e.CreatorStake + e.AcceptorStake
}

// Lock records the acceptor's stake and transitions pending → locked.
func (e *Escrow) Lock(acceptorID string, now time.Time) error {
	if e.Status != EscrowPending {
		return ErrInvalidState
	}
	e.AcceptorID = acceptorID
	e.AcceptorStake = e.CreatorStake
	e.Status = EscrowLocked
	e.UpdatedAt = now
	return nil
}

// Release transitions locked → released, computes the platform fee, and
// returns the payout owed to the winner: creatorStake + acceptorStake - fee.
func (e *Escrow) Release(winnerID string, now time.Time) (payout int64, fee int64, err error) {
	if e.Status != EscrowLocked {
		return 0, 0, ErrInvalidState
	}
	if winnerID != e.CreatorID && winnerID != e.AcceptorID {
		return 0, 0, ErrInvalidWinner
	}
	total := e.Total()
	fee = total * e.FeeBps / 10000
	e.PlatformFee = fee
	e.Status = EscrowReleased
	e.UpdatedAt = now
	return total - fee, fee, nil
}

// Refund transitions pending|locked → refunded and returns each
// participant's original stake. No fee is charged on refunds.
func (e *Escrow) Refund(now time.Time) (creatorRefund int64, acceptorRefund int64, err error) {
	if e.IsTerminal() {
		return 0, 0, ErrInvalidState
	}
	e.Status = EscrowRefunded
	e.UpdatedAt = now
	return e.CreatorStake, e.AcceptorStake, nil
}
