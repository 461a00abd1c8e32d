package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter turns challenge lifecycle events into webhook deliveries for both
// participants. It satisfies the settlement event publisher interface, so the
// settlement service fires it after each commit. All delivery is
// fire-and-forget: errors are logged and counted, never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

// PublishChallengeEvent notifies the subscriptions of every participant.
func (e *Emitter) PublishChallengeEvent(event string, c *challenge.Challenge) {
	if e == nil || e.d == nil || c == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(event).Inc()

	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now().UTC(),
		Challenge: &ChallengePayload{
			ID:         c.ID,
			Title:      c.Title,
			CreatorID:  c.CreatorID,
			AcceptorID: c.AcceptorID,
			WinnerID:   c.WinnerID,
			Stake:      c.Stake,
			Status:     string(c.Status),
		},
	}

	recipients := []string{c.CreatorID}
	if c.AcceptorID != "" && c.AcceptorID != c.CreatorID {
		recipients = append(recipients, c.AcceptorID)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, userID := range recipients {
			if err := e.d.DispatchToUser(ctx, userID, ev); err != nil {
				webhookEmitErrors.WithLabelValues(event).Inc()
				e.logger.Warn("webhook emit failed", "event", event, "user", userID, "error", err)
			}
		}
	}()
}
