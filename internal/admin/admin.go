// Package admin provides admin-only endpoints for adjudicating disputes and
// moderating accounts. Every money-moving admin action goes through the
// settlement service, so audit notes and atomicity hold on this path too.
package admin

import (
	"context"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/ledger"
	"github.com/duelpoint/duelpoint/internal/settlement"
)

// Adjudicator abstracts the settlement operations admins invoke.
type Adjudicator interface {
	ResolveChallenge(ctx context.Context, id, callerID, winnerID string, asAdmin bool, reason string) (*settlement.ResolveResult, error)
	RefundChallenge(ctx context.Context, id, adminID, reason string) (*settlement.RefundResult, error)
	ListChallenges(ctx context.Context, filter settlement.ListFilter, limit int) ([]*challenge.Challenge, error)
}

// AccountAdmin abstracts ledger moderation operations.
type AccountAdmin interface {
	SetBanned(ctx context.Context, userID string, banned bool) error
	GetAccount(ctx context.Context, userID string) (*ledger.Account, error)
}
