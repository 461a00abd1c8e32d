// Package payments bridges external money and the internal ledger. Deposits
// arrive through Stripe PaymentIntents and credit the ledger when the
// payment_intent.succeeded webhook lands; withdrawals debit the ledger and
// queue a payout for fulfilment. One unit of platform currency corresponds
// to one cent.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrAlreadyProcessed = errors.New("payment already processed")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidAmount    = errors.New("invalid payment amount")
)

// Payment types.
const (
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
)

// Payment statuses.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Payment records one money movement across the platform boundary.
type Payment struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	Amount         int64     `json:"amount"` // platform units (cents)
	StripeIntentID string    `json:"stripeIntentId,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByIntent(ctx context.Context, intentID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error)
}
