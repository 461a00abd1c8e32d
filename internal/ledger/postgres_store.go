package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/duelpoint/duelpoint/internal/idgen"
	"github.com/duelpoint/duelpoint/internal/pagination"
)

// pgCheckViolation is the Postgres error code for CHECK constraint violations.
// The accounts table carries CHECK (balance >= 0), so an overdraft surfaces
// as this code rather than a negative balance.
const pgCheckViolation = "23514"

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetAccount retrieves a user's account
func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, balance, escrowed, total_won, total_lost, rating, banned, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`, userID).Scan(
		&acct.UserID, &acct.Balance, &acct.Escrowed, &acct.TotalWon, &acct.TotalLost,
		&acct.Rating, &acct.Banned, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// GetOrCreate retrieves an account, creating it with the starting grant on
// first interaction.
func (p *PostgresStore) GetOrCreate(ctx context.Context, userID string, grant int64) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, rating, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, grant, RatingStart)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 1 && grant > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, type, amount, description, created_at)
			VALUES ($1, $2, $3, $4, 'starting grant', NOW())
		`, idgen.New(), userID, EntryGrant, grant)
		if err != nil {
			return nil, fmt.Errorf("failed to record grant entry: %w", err)
		}
	}

	acct := &Account{}
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, balance, escrowed, total_won, total_lost, rating, banned, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`, userID).Scan(
		&acct.UserID, &acct.Balance, &acct.Escrowed, &acct.TotalWon, &acct.TotalLost,
		&acct.Rating, &acct.Banned, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return acct, nil
}

// Credit adds funds to a user's balance
func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance    = balance + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.New(), userID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// Debit removes funds from a user's balance.
// The CHECK constraint on balance >= 0 prevents overdraft at the DB level.
func (p *PostgresStore) Debit(ctx context.Context, userID string, amount int64, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.New(), userID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// SetBanned toggles the ban flag without touching financial columns.
func (p *PostgresStore) SetBanned(ctx context.Context, userID string, banned bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET banned = $2, updated_at = NOW() WHERE user_id = $1
	`, userID, banned)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// History retrieves ledger entries for a user, newest first. A non-nil
// before cursor restricts the page to entries older than (created_at, id).
func (p *PostgresStore) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	query := `
		SELECT id, user_id, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	args := []any{userID, limit}
	if before != nil {
		query = `
			SELECT id, user_id, type, amount, reference, description, created_at
			FROM ledger_entries
			WHERE user_id = $1 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Leaderboard returns the top non-banned accounts by rating
func (p *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, balance, escrowed, total_won, total_lost, rating, banned, created_at, updated_at
		FROM accounts
		WHERE banned = FALSE
		ORDER BY rating DESC, user_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(
			&acct.UserID, &acct.Balance, &acct.Escrowed, &acct.TotalWon, &acct.TotalLost,
			&acct.Rating, &acct.Banned, &acct.CreatedAt, &acct.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgCheckViolation
}
