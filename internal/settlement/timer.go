package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/metrics"
)

// sweepAdmin is the adjudicator recorded on expiry refunds.
const sweepAdmin = "system"

// Timer periodically refunds challenges whose proof deadline passed without
// resolution. Off by default; proof deadlines are informational unless the
// sweeper is enabled.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry sweeper.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	expired, err := t.store.ListExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired challenges", "error", err)
		return
	}

	for _, ch := range expired {
		// A challenge with proofs in flight is close to resolving on its
		// own; leave it for the participants or an admin.
		if ch.Status == challenge.StatusProofSubmitted {
			t.logger.Debug("skipping expired challenge with proof in flight",
				"challengeId", ch.ID)
			continue
		}

		if _, err := t.service.RefundChallenge(ctx, ch.ID, sweepAdmin,
			"proof deadline expired"); err != nil {
			t.logger.Warn("failed to refund expired challenge",
				"challengeId", ch.ID, "error", err)
			continue
		}
		metrics.ChallengesExpiredTotal.Inc()
		t.logger.Info("refunded expired challenge",
			"challengeId", ch.ID, "creator", ch.CreatorID, "stake", ch.Stake)
	}
}
