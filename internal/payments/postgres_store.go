package payments

import (
	"context"
	"database/sql"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, type, amount, stripe_intent_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`, pay.ID, pay.UserID, pay.Type, pay.Amount, pay.StripeIntentID, pay.Status, pay.CreatedAt, pay.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, stripe_intent_id, status, created_at, updated_at
		FROM payments WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByIntent(ctx context.Context, intentID string) (*Payment, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, stripe_intent_id, status, created_at, updated_at
		FROM payments WHERE stripe_intent_id = $1
	`, intentID))
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1
	`, pay.ID, pay.Status, pay.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, stripe_intent_id, status, created_at, updated_at
		FROM payments WHERE user_id = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pay := &Payment{}
		var intentID sql.NullString
		if err := rows.Scan(
			&pay.ID, &pay.UserID, &pay.Type, &pay.Amount, &intentID,
			&pay.Status, &pay.CreatedAt, &pay.UpdatedAt,
		); err != nil {
			return nil, err
		}
		pay.StripeIntentID = intentID.String
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Payment, error) {
	pay := &Payment{}
	var intentID sql.NullString
	err := row.Scan(
		&pay.ID, &pay.UserID, &pay.Type, &pay.Amount, &intentID,
		&pay.Status, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.StripeIntentID = intentID.String
	return pay, nil
}
