// Package webhooks delivers challenge lifecycle events to subscriber URLs.
//
// Users register webhook URLs to be notified when their challenges move
// through the lifecycle: created, accepted, proof submitted, disputed,
// completed, cancelled, refunded. Payloads are signed with a per-subscription
// HMAC secret so receivers can verify origin.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/duelpoint/duelpoint/internal/retry"
)

// Event names delivered to subscribers. These match the realtime feed.
var KnownEvents = []string{
	"challenge_created",
	"challenge_accepted",
	"proof_submitted",
	"challenge_disputed",
	"challenge_completed",
	"challenge_cancelled",
	"challenge_refunded",
}

// IsKnownEvent reports whether name is a deliverable event type.
func IsKnownEvent(name string) bool {
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}

// maxConsecutiveFailures is the point at which a subscription is deactivated
// rather than retried forever against a dead endpoint.
const maxConsecutiveFailures = 20

// Event is the payload POSTed to a subscriber URL.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Challenge *ChallengePayload `json:"challenge,omitempty"`
}

// ChallengePayload is the challenge projection carried in webhook events.
// Proof contents and dispute details stay off the wire.
type ChallengePayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	CreatorID  string `json:"creatorId"`
	AcceptorID string `json:"acceptorId,omitempty"`
	WinnerID   string `json:"winnerId,omitempty"`
	Stake      int64  `json:"stake"`
	Status     string `json:"status"`
}

// Subscription is a registered webhook endpoint for one user.
// An empty Events list subscribes to every event type.
type Subscription struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"-"`
}

// Wants reports whether the subscription covers the given event type.
func (s *Subscription) Wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to a user's active subscriptions.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher backed by the given store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// DispatchToUser sends an event to every matching active subscription of the
// user. Delivery runs synchronously with retries; callers wanting
// fire-and-forget semantics run it in a goroutine (see Emitter).
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		d.deliver(ctx, sub, event)
	}
	return nil
}

// deliver POSTs the event with retries and records the outcome on the
// subscription.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "marshal event")
		return
	}

	err = retry.Do(ctx, 3, time.Second, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "url", sub.URL, "event", event.Type, "error", err)
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Duelpoint-Event", event.Type)
	req.Header.Set("X-Duelpoint-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	req.Header.Set("X-Duelpoint-Signature", Sign(payload, sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// 4xx other than 429 will not get better on retry.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute this over the raw body to verify the X-Duelpoint-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"subscription", sub.ID, "url", sub.URL)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", err)
	}
}
