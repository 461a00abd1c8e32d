package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/idgen"
	"github.com/duelpoint/duelpoint/internal/ledger"
)

// Postgres error codes that make a serializable transaction worth re-running.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// PostgresStore implements Store with PostgreSQL. Settlement transactions run
// at the serializable isolation level; serialization failures surface as
// ErrConflict and are retried by the service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RunSettlement(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		if isRetryable(err) {
			return ErrConflict
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isRetryable(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

const challengeColumns = `
	id, creator_id, acceptor_id, title, description, stake, fee_bps, status,
	proofs, winner_id, escrow_id, time_limit_secs, dispute_reason, audit_note,
	accepted_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) GetChallenge(ctx context.Context, id string) (*challenge.Challenge, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT`+challengeColumns+` FROM challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

func (p *PostgresStore) ListChallenges(ctx context.Context, filter ListFilter, limit int) ([]*challenge.Challenge, error) {
	query := `SELECT` + challengeColumns + ` FROM challenges WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Participant != "" {
		args = append(args, filter.Participant)
		query += fmt.Sprintf(" AND (creator_id = $%d OR acceptor_id = $%d)", len(args), len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*challenge.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*challenge.Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, challenge_id, creator_id, acceptor_id, creator_stake, acceptor_stake,
		       platform_fee, fee_bps, status, created_at, updated_at
		FROM escrows WHERE id = $1
	`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*challenge.Challenge, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT`+challengeColumns+`
		FROM challenges
		WHERE status IN ('accepted', 'proof_submitted')
		  AND time_limit_secs > 0
		  AND accepted_at + make_interval(secs => time_limit_secs) < $1
		ORDER BY accepted_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*challenge.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// pgTx implements Tx on a running serializable transaction. Row locks via
// FOR UPDATE cut down on serialization retries under contention.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Challenge(ctx context.Context, id string) (*challenge.Challenge, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT`+challengeColumns+` FROM challenges WHERE id = $1 FOR UPDATE`, id)
	return scanChallenge(row)
}

func (t *pgTx) PutChallenge(ctx context.Context, c *challenge.Challenge) error {
	proofs, err := json.Marshal(c.Proofs)
	if err != nil {
		return fmt.Errorf("failed to encode proofs: %w", err)
	}
	var audit any
	if c.AuditNote != nil {
		audit, err = json.Marshal(c.AuditNote)
		if err != nil {
			return fmt.Errorf("failed to encode audit note: %w", err)
		}
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO challenges (
			id, creator_id, acceptor_id, title, description, stake, fee_bps, status,
			proofs, winner_id, escrow_id, time_limit_secs, dispute_reason, audit_note,
			accepted_at, resolved_at, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, NULLIF($13, ''), $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			acceptor_id    = EXCLUDED.acceptor_id,
			status         = EXCLUDED.status,
			proofs         = EXCLUDED.proofs,
			winner_id      = EXCLUDED.winner_id,
			dispute_reason = EXCLUDED.dispute_reason,
			audit_note     = EXCLUDED.audit_note,
			accepted_at    = EXCLUDED.accepted_at,
			resolved_at    = EXCLUDED.resolved_at,
			updated_at     = EXCLUDED.updated_at
	`, c.ID, c.CreatorID, c.AcceptorID, c.Title, c.Description, c.Stake, c.FeeBps,
		string(c.Status), proofs, c.WinnerID, c.EscrowID, int64(c.TimeLimit/time.Second),
		c.DisputeReason, audit, c.AcceptedAt, c.ResolvedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write challenge: %w", err)
	}
	return nil
}

func (t *pgTx) Escrow(ctx context.Context, id string) (*challenge.Escrow, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, challenge_id, creator_id, acceptor_id, creator_stake, acceptor_stake,
		       platform_fee, fee_bps, status, created_at, updated_at
		FROM escrows WHERE id = $1 FOR UPDATE
	`, id)
	return scanEscrow(row)
}

func (t *pgTx) PutEscrow(ctx context.Context, e *challenge.Escrow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, challenge_id, creator_id, acceptor_id, creator_stake, acceptor_stake,
			platform_fee, fee_bps, status, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			acceptor_id    = EXCLUDED.acceptor_id,
			acceptor_stake = EXCLUDED.acceptor_stake,
			platform_fee   = EXCLUDED.platform_fee,
			status         = EXCLUDED.status,
			updated_at     = EXCLUDED.updated_at
	`, e.ID, e.ChallengeID, e.CreatorID, e.AcceptorID, e.CreatorStake, e.AcceptorStake,
		e.PlatformFee, e.FeeBps, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write escrow: %w", err)
	}
	return nil
}

func (t *pgTx) Account(ctx context.Context, userID string, grant int64) (*ledger.Account, error) {
	acct, err := t.selectAccountForUpdate(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// First interaction: create the account with the starting grant inside
	// this transaction. A concurrent creation loses on the primary key and
	// comes back as a conflict for retry.
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, rating, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, userID, grant, ledger.RatingStart)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	if grant > 0 {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, type, amount, description, created_at)
			VALUES ($1, $2, $3, $4, 'starting grant', NOW())
		`, idgen.New(), userID, ledger.EntryGrant, grant)
		if err != nil {
			return nil, fmt.Errorf("failed to record grant entry: %w", err)
		}
	}
	return t.selectAccountForUpdate(ctx, userID)
}

func (t *pgTx) selectAccountForUpdate(ctx context.Context, userID string) (*ledger.Account, error) {
	acct := &ledger.Account{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, balance, escrowed, total_won, total_lost, rating, banned, created_at, updated_at
		FROM accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(
		&acct.UserID, &acct.Balance, &acct.Escrowed, &acct.TotalWon, &acct.TotalLost,
		&acct.Rating, &acct.Banned, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (t *pgTx) PutAccount(ctx context.Context, a *ledger.Account) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance    = $2,
			escrowed   = $3,
			total_won  = $4,
			total_lost = $5,
			rating     = $6,
			banned     = $7,
			updated_at = $8
		WHERE user_id = $1
	`, a.UserID, a.Balance, a.Escrowed, a.TotalWon, a.TotalLost, a.Rating, a.Banned, a.UpdatedAt)
	if err != nil {
		if isPQCode(err, pgCheckViolation) {
			return ledger.ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
	`, idgen.New(), e.UserID, e.Type, e.Amount, e.Reference, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*challenge.Challenge, error) {
	c := &challenge.Challenge{}
	var (
		acceptorID, description, winnerID, disputeReason sql.NullString
		proofs                                           []byte
		audit                                            []byte
		timeLimitSecs                                    int64
		acceptedAt, resolvedAt                           sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.CreatorID, &acceptorID, &c.Title, &description, &c.Stake, &c.FeeBps, &c.Status,
		&proofs, &winnerID, &c.EscrowID, &timeLimitSecs, &disputeReason, &audit,
		&acceptedAt, &resolvedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, challenge.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}

	c.AcceptorID = acceptorID.String
	c.Description = description.String
	c.WinnerID = winnerID.String
	c.DisputeReason = disputeReason.String
	c.TimeLimit = time.Duration(timeLimitSecs) * time.Second
	if len(proofs) > 0 {
		if err := json.Unmarshal(proofs, &c.Proofs); err != nil {
			return nil, fmt.Errorf("failed to decode proofs: %w", err)
		}
	}
	if len(audit) > 0 {
		note := &challenge.AuditNote{}
		if err := json.Unmarshal(audit, note); err != nil {
			return nil, fmt.Errorf("failed to decode audit note: %w", err)
		}
		c.AuditNote = note
	}
	if acceptedAt.Valid {
		at := acceptedAt.Time
		c.AcceptedAt = &at
	}
	if resolvedAt.Valid {
		rt := resolvedAt.Time
		c.ResolvedAt = &rt
	}
	return c, nil
}

func scanEscrow(row rowScanner) (*challenge.Escrow, error) {
	e := &challenge.Escrow{}
	var acceptorID sql.NullString
	err := row.Scan(
		&e.ID, &e.ChallengeID, &e.CreatorID, &acceptorID, &e.CreatorStake, &e.AcceptorStake,
		&e.PlatformFee, &e.FeeBps, &e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.AcceptorID = acceptorID.String
	return e, nil
}

// isRetryable reports whether the error is a serialization failure, deadlock,
// or a lost account-creation race.
func isRetryable(err error) bool {
	return isPQCode(err, pgSerializationFailure) ||
		isPQCode(err, pgDeadlockDetected) ||
		isPQCode(err, pgUniqueViolation)
}

func isPQCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
