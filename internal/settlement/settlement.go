// Package settlement orchestrates the challenge lifecycle. Every operation
// that moves money runs as one atomic settlement transaction covering the
// challenge record, its escrow, and the affected ledger accounts, so a crash
// or a lost race never leaves stakes half-moved.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/idgen"
	"github.com/duelpoint/duelpoint/internal/ledger"
	"github.com/duelpoint/duelpoint/internal/metrics"
	"github.com/duelpoint/duelpoint/internal/retry"
	"github.com/duelpoint/duelpoint/internal/traces"
)

var (
	ErrUserBanned      = errors.New("user is banned")
	ErrStakeOutOfRange = errors.New("stake outside the allowed range")
)

// DefaultPlatformAccount is the ledger account that accumulates platform
// fees when Config.PlatformAccount is unset.
const DefaultPlatformAccount = "platform"

// Event types published to the realtime feed.
const (
	EventChallengeCreated   = "challenge_created"
	EventChallengeAccepted  = "challenge_accepted"
	EventProofSubmitted     = "proof_submitted"
	EventChallengeDisputed  = "challenge_disputed"
	EventChallengeCompleted = "challenge_completed"
	EventChallengeCancelled = "challenge_cancelled"
	EventChallengeRefunded  = "challenge_refunded"
)

// EventPublisher receives challenge lifecycle events after a settlement
// commits. A nil publisher disables events.
type EventPublisher interface {
	PublishChallengeEvent(event string, c *challenge.Challenge)
}

// Config carries the policy knobs for settlement.
type Config struct {
	FeeBps          int64
	MinStake        int64
	MaxStake        int64
	StartingGrant   int64
	PlatformAccount string // ledger account collecting platform fees
	MaxAttempts     int    // conflict retry budget per operation
	RetryBaseDelay  time.Duration
}

// Service runs challenge settlement on top of a Store.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	events EventPublisher
}

// New creates a settlement service. events may be nil.
func New(store Store, cfg Config, logger *slog.Logger, events EventPublisher) *Service {
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = DefaultPlatformAccount
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 25 * time.Millisecond
	}
	return &Service{store: store, cfg: cfg, logger: logger, events: events}
}

// CreateParams describes a new challenge.
type CreateParams struct {
	CreatorID   string
	Title       string
	Description string
	Stake       int64
	TimeLimit   time.Duration
}

// ResolveResult reports the money movement of a completed challenge.
type ResolveResult struct {
	Challenge *challenge.Challenge `json:"challenge"`
	Payout    int64                `json:"payout"`
	Fee       int64                `json:"fee"`
}

// RefundResult reports the stakes returned by a refund or cancellation.
type RefundResult struct {
	Challenge      *challenge.Challenge `json:"challenge"`
	CreatorRefund  int64                `json:"creatorRefund"`
	AcceptorRefund int64                `json:"acceptorRefund"`
}

// run executes a settlement transaction with conflict retries. Policy
// violations come back unwrapped so callers can map them with errors.Is;
// only ErrConflict is retried.
func (s *Service) run(ctx context.Context, op string, fn func(tx Tx) error) error {
	err := retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.RetryBaseDelay, func() error {
		err := s.store.RunSettlement(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			metrics.SettlementConflictsTotal.Inc()
			s.logger.Warn("settlement conflict, retrying", "op", op)
			return err
		}
		return retry.Permanent(err)
	})
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// CreateChallenge opens a challenge and escrows the creator's stake.
func (s *Service) CreateChallenge(ctx context.Context, p CreateParams) (*challenge.Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.create",
		traces.UserID(p.CreatorID), traces.Stake(p.Stake))
	defer span.End()

	if p.Stake < s.cfg.MinStake || p.Stake > s.cfg.MaxStake {
		return nil, ErrStakeOutOfRange
	}

	now := time.Now().UTC()
	ch := &challenge.Challenge{
		ID:          idgen.WithPrefix("chl_"),
		CreatorID:   p.CreatorID,
		Title:       p.Title,
		Description: p.Description,
		Stake:       p.Stake,
		FeeBps:      s.cfg.FeeBps,
		Status:      challenge.StatusOpen,
		TimeLimit:   p.TimeLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	esc, err := challenge.NewEscrow(idgen.WithPrefix("esc_"), ch.ID, p.CreatorID, p.Stake, s.cfg.FeeBps, now)
	if err != nil {
		return nil, err
	}
	ch.EscrowID = esc.ID

	err = s.run(ctx, "create", func(tx Tx) error {
		acct, err := tx.Account(ctx, p.CreatorID, s.cfg.StartingGrant)
		if err != nil {
			return err
		}
		if acct.Banned {
			return ErrUserBanned
		}
		if err := acct.MoveToEscrow(p.Stake, now); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &ledger.Entry{
			UserID:      p.CreatorID,
			Type:        ledger.EntryStakeLock,
			Amount:      -p.Stake,
			Reference:   ch.ID,
			Description: "stake locked on challenge creation",
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		return tx.PutEscrow(ctx, esc)
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesCreatedTotal.Inc()
	s.publish(EventChallengeCreated, ch)
	s.logger.Info("challenge created",
		"challengeId", ch.ID, "creator", p.CreatorID, "stake", p.Stake)
	return ch, nil
}

// AcceptChallenge joins an open challenge, escrowing the acceptor's matching
// stake and locking the escrow. The state guard runs before the balance
// check, so losing the accept race reports an invalid state rather than an
// insufficient balance.
func (s *Service) AcceptChallenge(ctx context.Context, id, acceptorID string) (*challenge.Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.accept",
		traces.ChallengeID(id), traces.UserID(acceptorID))
	defer span.End()

	now := time.Now().UTC()
	var out *challenge.Challenge
	err := s.run(ctx, "accept", func(tx Tx) error {
		ch, err := tx.Challenge(ctx, id)
		if err != nil {
			return err
		}
		if err := ch.Accept(acceptorID, now); err != nil {
			return err
		}
		acct, err := tx.Account(ctx, acceptorID, s.cfg.StartingGrant)
		if err != nil {
			return err
		}
		if acct.Banned {
			return ErrUserBanned
		}
		if err := acct.MoveToEscrow(ch.Stake, now); err != nil {
			return err
		}
		esc, err := tx.Escrow(ctx, ch.EscrowID)
		if err != nil {
			return err
		}
		if err := esc.Lock(acceptorID, now); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &ledger.Entry{
			UserID:      acceptorID,
			Type:        ledger.EntryStakeLock,
			Amount:      -ch.Stake,
			Reference:   ch.ID,
			Description: "stake locked on challenge acceptance",
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		if err := tx.PutEscrow(ctx, esc); err != nil {
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(EventChallengeAccepted, out)
	s.logger.Info("challenge accepted", "challengeId", id, "acceptor", acceptorID)
	return out, nil
}

// SubmitProof records a participant's proof of the outcome.
func (s *Service) SubmitProof(ctx context.Context, id, participantID, content string) (*challenge.Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.submit_proof",
		traces.ChallengeID(id), traces.UserID(participantID))
	defer span.End()

	now := time.Now().UTC()
	var out *challenge.Challenge
	err := s.run(ctx, "submit_proof", func(tx Tx) error {
		ch, err := tx.Challenge(ctx, id)
		if err != nil {
			return err
		}
		if err := ch.SubmitProof(participantID, content, now); err != nil {
			return err
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(EventProofSubmitted, out)
	s.logger.Info("proof submitted",
		"challengeId", id, "participant", participantID, "status", out.Status)
	return out, nil
}

// DisputeChallenge flags the challenge for admin adjudication.
func (s *Service) DisputeChallenge(ctx context.Context, id, callerID, reason string) (*challenge.Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.dispute",
		traces.ChallengeID(id), traces.UserID(callerID))
	defer span.End()

	now := time.Now().UTC()
	var out *challenge.Challenge
	err := s.run(ctx, "dispute", func(tx Tx) error {
		ch, err := tx.Challenge(ctx, id)
		if err != nil {
			return err
		}
		if err := ch.Dispute(callerID, reason, now); err != nil {
			return err
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesDisputedTotal.Inc()
	s.publish(EventChallengeDisputed, out)
	s.logger.Info("challenge disputed", "challengeId", id, "by", callerID)
	return out, nil
}

// ResolveChallenge completes the challenge: the escrow releases, the winner
// receives both stakes minus the platform fee, ratings and win/loss stats
// update, and the fee lands on the platform account. When asAdmin is set the
// resolution may override a dispute and an audit note is stamped.
func (s *Service) ResolveChallenge(ctx context.Context, id, callerID, winnerID string, asAdmin bool, reason string) (*ResolveResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.resolve",
		traces.ChallengeID(id), traces.WinnerID(winnerID))
	defer span.End()

	now := time.Now().UTC()
	var out ResolveResult
	err := s.run(ctx, "resolve", func(tx Tx) error {
		ch, err := tx.Challenge(ctx, id)
		if err != nil {
			return err
		}
		if !asAdmin && !ch.IsParticipant(callerID) {
			return challenge.ErrUnauthorized
		}
		if err := ch.Resolve(winnerID, asAdmin, now); err != nil {
			return err
		}
		esc, err := tx.Escrow(ctx, ch.EscrowID)
		if err != nil {
			return err
		}
		payout, fee, err := esc.Release(winnerID, now)
		if err != nil {
			return err
		}
		loserID := ch.CreatorID
		if winnerID == ch.CreatorID {
			loserID = ch.AcceptorID
		}

		winner, err := tx.Account(ctx, winnerID, s.cfg.StartingGrant)
		if err != nil {
			return err
		}
		loser, err := tx.Account(ctx, loserID, s.cfg.StartingGrant)
		if err != nil {
			return err
		}
		winner.ApplyWin(ch.Stake, payout, now)
		loser.ApplyLoss(ch.Stake, now)

		// Fees accrue on a regular ledger account so every unit stays
		// visible to the conservation audit.
		platform, err := tx.Account(ctx, s.cfg.PlatformAccount, 0)
		if err != nil {
			return err
		}
		platform.Balance += fee
		platform.UpdatedAt = now

		if asAdmin {
			ch.SetAuditNote(callerID, reason, now)
		}

		for _, a := range []*ledger.Account{winner, loser, platform} {
			if err := tx.PutAccount(ctx, a); err != nil {
				return err
			}
		}
		entries := []*ledger.Entry{
			{UserID: winnerID, Type: ledger.EntryPayout, Amount: payout,
				Reference: ch.ID, Description: "challenge pot payout", CreatedAt: now},
			{UserID: s.cfg.PlatformAccount, Type: ledger.EntryFee, Amount: fee,
				Reference: ch.ID, Description: "platform fee", CreatedAt: now},
		}
		for _, e := range entries {
			if err := tx.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		if err := tx.PutEscrow(ctx, esc); err != nil {
			return err
		}
		out = ResolveResult{Challenge: ch, Payout: payout, Fee: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesTotal.WithLabelValues(string(challenge.StatusCompleted)).Inc()
	metrics.PlatformFeesTotal.Add(float64(out.Fee))
	if out.Challenge.AcceptedAt != nil {
		metrics.ChallengeDuration.Observe(now.Sub(*out.Challenge.AcceptedAt).Seconds())
	}
	s.publish(EventChallengeCompleted, out.Challenge)
	s.logger.Info("challenge resolved",
		"challengeId", id, "winner", winnerID, "payout", out.Payout, "fee", out.Fee, "admin", asAdmin)
	return &out, nil
}

// CancelChallenge withdraws an open challenge and refunds the creator's
// stake. Only the creator can cancel, and only before acceptance.
func (s *Service) CancelChallenge(ctx context.Context, id, callerID string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.cancel",
		traces.ChallengeID(id), traces.UserID(callerID))
	defer span.End()

	now := time.Now().UTC()
	var out RefundResult
	err := s.run(ctx, "cancel", func(tx Tx) error {
		ch, err := tx.Challenge(ctx, id)
		if err != nil {
			return err
		}
		if err := ch.Cancel(callerID, now); err != nil {
			return err
		}
		esc, err := tx.Escrow(ctx, ch.EscrowID)
		if err != nil {
			return err
		}
		creatorRefund, _, err := esc.Refund(now)
		if err != nil {
			return err
		}
		acct, err := tx.Account(ctx, ch.CreatorID, s.cfg.StartingGrant)
		if err != nil {
			return err
		}
		if err := acct.ReleaseFromEscrow(creatorRefund, now); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &ledger.Entry{
			UserID:      ch.CreatorID,
			Type:        ledger.EntryStakeRefund,
			Amount:      creatorRefund,
			Reference:   ch.ID,
			Description: "stake refunded on cancellation",
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		if err := tx.PutEscrow(ctx, esc); err != nil {
			return err
		}
		out = RefundResult{Challenge: ch, CreatorRefund: creatorRefund}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesTotal.WithLabelValues(string(challenge.StatusCancelled)).Inc()
	s.publish(EventChallengeCancelled, out.Challenge)
	s.logger.Info("challenge cancelled", "challengeId", id)
	return &out, nil
}

// RefundChallenge returns both stakes without declaring a winner. Admin-only;
// used for adjudicated disputes and expired challenges. No fee is charged
// and ratings are untouched.
func (s *Service) RefundChallenge(ctx context.Context, id, adminID, reason string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.refund", traces.ChallengeID(id))
	defer span.End()

	now := time.Now().UTC()
	var out RefundResult
	err := s.run(ctx, "refund", func(tx Tx) error {
		ch, err := tx.Challenge(ctx, id)
		if err != nil {
			return err
		}
		if err := ch.MarkRefunded(now); err != nil {
			return err
		}
		ch.SetAuditNote(adminID, reason, now)
		esc, err := tx.Escrow(ctx, ch.EscrowID)
		if err != nil {
			return err
		}
		creatorRefund, acceptorRefund, err := esc.Refund(now)
		if err != nil {
			return err
		}

		creator, err := tx.Account(ctx, ch.CreatorID, s.cfg.StartingGrant)
		if err != nil {
			return err
		}
		if err := creator.ReleaseFromEscrow(creatorRefund, now); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, creator); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &ledger.Entry{
			UserID: ch.CreatorID, Type: ledger.EntryStakeRefund, Amount: creatorRefund,
			Reference: ch.ID, Description: "stake refunded: " + reason, CreatedAt: now,
		}); err != nil {
			return err
		}
		if acceptorRefund > 0 {
			acceptor, err := tx.Account(ctx, ch.AcceptorID, s.cfg.StartingGrant)
			if err != nil {
				return err
			}
			if err := acceptor.ReleaseFromEscrow(acceptorRefund, now); err != nil {
				return err
			}
			if err := tx.PutAccount(ctx, acceptor); err != nil {
				return err
			}
			if err := tx.AppendEntry(ctx, &ledger.Entry{
				UserID: ch.AcceptorID, Type: ledger.EntryStakeRefund, Amount: acceptorRefund,
				Reference: ch.ID, Description: "stake refunded: " + reason, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := tx.PutChallenge(ctx, ch); err != nil {
			return err
		}
		if err := tx.PutEscrow(ctx, esc); err != nil {
			return err
		}
		out = RefundResult{Challenge: ch, CreatorRefund: creatorRefund, AcceptorRefund: acceptorRefund}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesTotal.WithLabelValues(string(challenge.StatusRefunded)).Inc()
	s.publish(EventChallengeRefunded, out.Challenge)
	s.logger.Info("challenge refunded", "challengeId", id, "admin", adminID, "reason", reason)
	return &out, nil
}

// GetChallenge returns a challenge by ID.
func (s *Service) GetChallenge(ctx context.Context, id string) (*challenge.Challenge, error) {
	return s.store.GetChallenge(ctx, id)
}

// ListChallenges returns challenges matching the filter, newest first.
func (s *Service) ListChallenges(ctx context.Context, filter ListFilter, limit int) ([]*challenge.Challenge, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListChallenges(ctx, filter, limit)
}

// GetEscrow returns the escrow backing a challenge.
func (s *Service) GetEscrow(ctx context.Context, id string) (*challenge.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

func (s *Service) publish(event string, ch *challenge.Challenge) {
	if s.events != nil {
		s.events.PublishChallengeEvent(event, ch)
	}
}
