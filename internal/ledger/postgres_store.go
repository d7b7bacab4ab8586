package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// numericOutOfRange is the SQLSTATE raised when spent_total + amount
// exceeds bigint.
const numericOutOfRange = "22003"

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// UpsertProfile inserts the user or merges non-null profile fields.
func (p *PostgresStore) UpsertProfile(ctx context.Context, prof *Profile, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_users (user_id, username, first_name, last_name, photo_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			username   = COALESCE(EXCLUDED.username, ledger_users.username),
			first_name = COALESCE(EXCLUDED.first_name, ledger_users.first_name),
			last_name  = COALESCE(EXCLUDED.last_name, ledger_users.last_name),
			photo_url  = COALESCE(EXCLUDED.photo_url, ledger_users.photo_url),
			updated_at = EXCLUDED.updated_at
	`, prof.UserID, nullString(prof.Username), nullString(prof.FirstName),
		nullString(prof.LastName), nullString(prof.PhotoURL), now)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// AddSpend journals the credit and increments the user's total in one
// transaction. A replayed charge_id or credit id turns the call into a no-op.
func (p *PostgresStore) AddSpend(ctx context.Context, c *Credit) (*CreditResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_credits (id, charge_id, provider_charge_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, c.ID, nullIfEmpty(c.ChargeID), nullIfEmpty(c.ProviderChargeID), c.UserID, c.Amount, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record credit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to record credit: %w", err)
	}
	if rows == 0 {
		res := &CreditResult{Duplicate: true}
		err := tx.QueryRowContext(ctx, `
			SELECT c.user_id, COALESCE(u.spent_total, 0)
			FROM ledger_credits c
			LEFT JOIN ledger_users u ON u.user_id = c.user_id
			WHERE c.charge_id = $1 OR c.id = $2
		`, nullIfEmpty(c.ChargeID), c.ID).Scan(&res.UserID, &res.SpentTotal)
		if err != nil {
			return nil, fmt.Errorf("failed to read duplicate credit: %w", err)
		}
		return res, nil
	}

	res := &CreditResult{UserID: c.UserID}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_users (user_id, spent_total, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			spent_total = ledger_users.spent_total + EXCLUDED.spent_total,
			updated_at  = EXCLUDED.updated_at
		RETURNING spent_total
	`, c.UserID, c.Amount, c.CreatedAt).Scan(&res.SpentTotal)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == numericOutOfRange {
		return nil, ErrSpentOverflow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update spent total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// GetEntry reads one user's row.
func (p *PostgresStore) GetEntry(ctx context.Context, userID int64) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, photo_url, spent_total, updated_at
		FROM ledger_users WHERE user_id = $1
	`, userID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// Leaderboard reads a page of users in rank order.
func (p *PostgresStore) Leaderboard(ctx context.Context, limit, offset int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, username, first_name, last_name, photo_url, spent_total, updated_at
		FROM ledger_users
		ORDER BY spent_total DESC, user_id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Credits returns the journal for a user, oldest first.
func (p *PostgresStore) Credits(ctx context.Context, userID int64) ([]*Credit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(charge_id, ''), COALESCE(provider_charge_id, ''), user_id, amount, created_at
		FROM ledger_credits WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCredits(rows)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var username, first, last, photo sql.NullString
	if err := row.Scan(&e.UserID, &username, &first, &last, &photo, &e.SpentTotal, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Username = stringPtr(username)
	e.FirstName = stringPtr(first)
	e.LastName = stringPtr(last)
	e.PhotoURL = stringPtr(photo)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanCredits(rows *sql.Rows) ([]*Credit, error) {
	var credits []*Credit
	for rows.Next() {
		var c Credit
		if err := rows.Scan(&c.ID, &c.ChargeID, &c.ProviderChargeID, &c.UserID, &c.Amount, &c.CreatedAt); err != nil {
			return nil, err
		}
		credits = append(credits, &c)
	}
	return credits, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
