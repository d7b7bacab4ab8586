package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on an embedded SQLite file. All access goes
// through a single connection, so transactions are serialized.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_users (
			user_id      INTEGER PRIMARY KEY,
			username     TEXT,
			first_name   TEXT,
			last_name    TEXT,
			photo_url    TEXT,
			spent_total  INTEGER NOT NULL DEFAULT 0 CHECK (spent_total >= 0),
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_users_rank
			ON ledger_users (spent_total DESC, user_id ASC);

		CREATE TABLE IF NOT EXISTS ledger_credits (
			id                  TEXT PRIMARY KEY,
			charge_id           TEXT UNIQUE,
			provider_charge_id  TEXT,
			user_id             INTEGER NOT NULL,
			amount              INTEGER NOT NULL CHECK (amount > 0),
			created_at          DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_credits_user ON ledger_credits (user_id, created_at);
	`)
	return err
}

// DB exposes the underlying handle for stats collection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_users (user_id, username, first_name, last_name, photo_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			username   = COALESCE(excluded.username, ledger_users.username),
			first_name = COALESCE(excluded.first_name, ledger_users.first_name),
			last_name  = COALESCE(excluded.last_name, ledger_users.last_name),
			photo_url  = COALESCE(excluded.photo_url, ledger_users.photo_url),
			updated_at = excluded.updated_at
	`, p.UserID, nullString(p.Username), nullString(p.FirstName),
		nullString(p.LastName), nullString(p.PhotoURL), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddSpend(ctx context.Context, c *Credit) (*CreditResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_credits (id, charge_id, provider_charge_id, user_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
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
			WHERE c.charge_id = ? OR c.id = ?
		`, nullIfEmpty(c.ChargeID), c.ID).Scan(&res.UserID, &res.SpentTotal)
		if err != nil {
			return nil, fmt.Errorf("failed to read duplicate credit: %w", err)
		}
		return res, nil
	}

	// SQLite promotes an overflowing integer sum to REAL instead of failing.
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT spent_total FROM ledger_users WHERE user_id = ?`, c.UserID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read spent total: %w", err)
	}
	if current > math.MaxInt64-c.Amount {
		return nil, ErrSpentOverflow
	}

	res := &CreditResult{UserID: c.UserID}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_users (user_id, spent_total, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			spent_total = ledger_users.spent_total + excluded.spent_total,
			updated_at  = excluded.updated_at
		RETURNING spent_total
	`, c.UserID, c.Amount, c.CreatedAt, c.CreatedAt).Scan(&res.SpentTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to update spent total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, userID int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, photo_url, spent_total, updated_at
		FROM ledger_users WHERE user_id = ?
	`, userID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (s *SQLiteStore) Leaderboard(ctx context.Context, limit, offset int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, first_name, last_name, photo_url, spent_total, updated_at
		FROM ledger_users
		ORDER BY spent_total DESC, user_id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *SQLiteStore) Credits(ctx context.Context, userID int64) ([]*Credit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(charge_id, ''), COALESCE(provider_charge_id, ''), user_id, amount, created_at
		FROM ledger_credits WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCredits(rows)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
