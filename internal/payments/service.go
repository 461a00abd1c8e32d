package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/duelpoint/duelpoint/internal/idgen"
	"github.com/duelpoint/duelpoint/internal/metrics"
	"github.com/duelpoint/duelpoint/internal/syncutil"
)

// Ledger is the slice of the ledger the payments service touches.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int64, reference, description string) error
	Debit(ctx context.Context, userID string, amount int64, reference, description string) error
}

// Service handles deposits and withdrawals.
type Service struct {
	store         Store
	ledger        Ledger
	webhookSecret string
	logger        *slog.Logger

	// intentLocks serializes webhook deliveries per payment intent so a
	// redelivered event cannot double-credit.
	intentLocks *syncutil.KeyMutex
}

// New creates a payments service. secretKey configures the Stripe client;
// empty disables deposit creation (dev mode without Stripe).
func New(store Store, l Ledger, secretKey, webhookSecret string, logger *slog.Logger) *Service {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	return &Service{
		store:         store,
		ledger:        l,
		webhookSecret: webhookSecret,
		logger:        logger,
		intentLocks:   syncutil.NewKeyMutex(),
	}
}

// CreateDeposit opens a Stripe PaymentIntent for the given amount and records
// the pending payment. The returned client secret completes the payment on
// the client side; the ledger is credited only by the webhook.
func (s *Service) CreateDeposit(ctx context.Context, userID string, amount int64) (*Payment, string, error) {
	if amount <= 0 {
		return nil, "", ErrInvalidAmount
	}

	pi, err := paymentintent.New(&stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		Metadata: map[string]string{"user_id": userID},
	})
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues("deposit_failed").Inc()
		return nil, "", fmt.Errorf("failed to create payment intent: %w", err)
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:             idgen.WithPrefix("pay_"),
		UserID:         userID,
		Type:           TypeDeposit,
		Amount:         amount,
		StripeIntentID: pi.ID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, "", err
	}

	s.logger.Info("deposit created", "paymentId", p.ID, "user", userID, "amount", amount)
	return p, pi.ClientSecret, nil
}

// HandleWebhook verifies and processes a Stripe webhook delivery.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return ErrInvalidSignature
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("failed to decode payment intent: %w", err)
		}
		return s.SettleDeposit(ctx, pi.ID)
	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("failed to decode payment intent: %w", err)
		}
		return s.failDeposit(ctx, pi.ID)
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type)
		return nil
	}
}

// SettleDeposit credits the ledger for a succeeded payment intent. Safe to
// call more than once; only the first call moves money.
func (s *Service) SettleDeposit(ctx context.Context, intentID string) error {
	unlock, err := s.intentLocks.Lock(ctx, intentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.GetByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if p.Status == StatusSucceeded {
		s.logger.Debug("deposit already settled", "paymentId", p.ID)
		return nil
	}
	if p.Status != StatusPending {
		return ErrAlreadyProcessed
	}

	if err := s.ledger.Credit(ctx, p.UserID, p.Amount, p.ID, "card deposit"); err != nil {
		return err
	}
	p.Status = StatusSucceeded
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return err
	}

	metrics.PaymentsTotal.WithLabelValues("deposit_succeeded").Inc()
	s.logger.Info("deposit settled", "paymentId", p.ID, "user", p.UserID, "amount", p.Amount)
	return nil
}

func (s *Service) failDeposit(ctx context.Context, intentID string) error {
	unlock, err := s.intentLocks.Lock(ctx, intentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.GetByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return nil
	}
	p.Status = StatusFailed
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return err
	}

	metrics.PaymentsTotal.WithLabelValues("deposit_failed").Inc()
	s.logger.Info("deposit failed", "paymentId", p.ID, "user", p.UserID)
	return nil
}

// Withdraw debits the user's available balance and queues a payout. Escrowed
// funds cannot be withdrawn. The payout itself is fulfilled out of band.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:        idgen.WithPrefix("pay_"),
		UserID:    userID,
		Type:      TypeWithdrawal,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.ledger.Debit(ctx, userID, amount, p.ID, "withdrawal"); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		// The debit landed but the record did not; surface loudly rather
		// than silently re-credit.
		s.logger.Error("withdrawal recorded in ledger but not in payments",
			"paymentId", p.ID, "user", userID, "amount", amount, "error", err)
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues("withdrawal").Inc()
	s.logger.Info("withdrawal queued", "paymentId", p.ID, "user", userID, "amount", amount)
	return p, nil
}

// History returns a user's payments, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
