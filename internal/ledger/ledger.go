// Package ledger accumulates the in-app currency each user has spent and
// ranks users by it.
//
// Flow:
//  1. An authenticated request refreshes the user's display profile
//  2. A settled payment credits the payer (AddSpend / Record)
//  3. The leaderboard reads users ordered by spent total
//
// Totals only ever grow. Every credit is journaled, and a credit carrying a
// provider charge id is applied at most once.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starboard-app/starboard/internal/idgen"
	"github.com/starboard-app/starboard/internal/logging"
	"github.com/starboard-app/starboard/internal/pagination"
	"github.com/starboard-app/starboard/internal/syncutil"
	"github.com/starboard-app/starboard/internal/traces"
)

// Leaderboard page bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

var (
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrSpentOverflow is returned when a credit would overflow spent_total.
	ErrSpentOverflow = errors.New("ledger: spent total overflow")
)

// StorageError reports a failure of the underlying store. Callers retry
// storage errors; they never retry validation failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "ledger: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err came from the store.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Profile carries the display fields of a user. Nil fields never overwrite
// stored values.
type Profile struct {
	UserID    int64
	Username  *string
	FirstName *string
	LastName  *string
	PhotoURL  *string
}

// Entry is one user's row.
type Entry struct {
	UserID     int64     `json:"userId"`
	Username   *string   `json:"username"`
	FirstName  *string   `json:"firstName"`
	LastName   *string   `json:"lastName"`
	PhotoURL   *string   `json:"photoUrl"`
	SpentTotal int64     `json:"spentStars"`
	UpdatedAt  time.Time `json:"-"`
}

// Credit is a journaled addition to a user's spent total.
type Credit struct {
	ID               string    `json:"id"`
	ChargeID         string    `json:"chargeId,omitempty"`         // provider charge id, dedup key
	ProviderChargeID string    `json:"providerChargeId,omitempty"` // upstream payment processor id
	UserID           int64     `json:"userId"`
	Amount           int64     `json:"amount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CreditResult is the outcome of a credit.
type CreditResult struct {
	UserID     int64 `json:"userId"`
	SpentTotal int64 `json:"spentTotal"`
	// Duplicate is set when the charge id was already journaled; SpentTotal
	// is then the stored total and nothing changed.
	Duplicate bool `json:"duplicate,omitempty"`
	// Skipped is set for non-positive amounts.
	Skipped bool `json:"skipped,omitempty"`
}

// Store persists ledger data. Each mutating method must commit atomically.
type Store interface {
	UpsertProfile(ctx context.Context, p *Profile, now time.Time) error
	// AddSpend journals c and adds c.Amount to the user's total in one
	// transaction, creating the user when absent. If c.ChargeID is already
	// journaled it returns the stored total with Duplicate set.
	AddSpend(ctx context.Context, c *Credit) (*CreditResult, error)
	GetEntry(ctx context.Context, userID int64) (*Entry, error)
	Leaderboard(ctx context.Context, limit, offset int) ([]*Entry, error)
	Credits(ctx context.Context, userID int64) ([]*Credit, error)
	Ping(ctx context.Context) error
}

// Ledger serializes mutations per user on top of a Store.
type Ledger struct {
	store  Store
	locks  *syncutil.ContextShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new ledger
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// UpsertProfile inserts the user or merges the non-nil profile fields into
// the stored row. A nil profile is ignored.
func (l *Ledger) UpsertProfile(ctx context.Context, p *Profile) error {
	if p == nil {
		return nil
	}
	defer observeOp("upsert_profile")()

	ctx, span := traces.StartSpan(ctx, "ledger.UpsertProfile", traces.UserID(p.UserID))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, p.UserID)
	if err != nil {
		return &StorageError{Op: "upsert_profile", Err: err}
	}
	defer unlock()

	if err := l.store.UpsertProfile(ctx, p, l.now().UTC()); err != nil {
		return &StorageError{Op: "upsert_profile", Err: err}
	}
	return nil
}

// AddSpend credits amount to userID without a charge id. Non-positive
// amounts are logged and skipped.
func (l *Ledger) AddSpend(ctx context.Context, userID, amount int64) (*CreditResult, error) {
	return l.Record(ctx, Credit{UserID: userID, Amount: amount})
}

// Record journals a credit and adds it to the user's total. The increment
// and the returned total are one atomic unit. Storage failures are returned
// as *StorageError; a credit is never silently dropped.
func (l *Ledger) Record(ctx context.Context, c Credit) (*CreditResult, error) {
	log := logging.LOr(ctx, l.logger).With("user_id", c.UserID, "amount", c.Amount)
	if c.ChargeID != "" {
		log = log.With("charge_id", c.ChargeID)
	}

	if c.Amount <= 0 {
		log.Info("add_spend_skipped", "reason", "non_positive_amount")
		LedgerCreditsTotal.WithLabelValues("skipped").Inc()
		return &CreditResult{UserID: c.UserID, Skipped: true}, nil
	}
	defer observeOp("add_spend")()

	ctx, span := traces.StartSpan(ctx, "ledger.AddSpend",
		traces.UserID(c.UserID),
		traces.Amount(c.Amount),
		traces.ChargeID(c.ChargeID),
	)
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, c.UserID)
	if err != nil {
		log.Error("add_spend_failed", "error", err)
		LedgerCreditsTotal.WithLabelValues("failed").Inc()
		return nil, &StorageError{Op: "add_spend", Err: err}
	}
	defer unlock()

	if c.ID == "" {
		c.ID = idgen.WithPrefix("cr_")
	}
	c.CreatedAt = l.now().UTC()

	res, err := l.store.AddSpend(ctx, &c)
	if err != nil {
		span.RecordError(err)
		log.Error("add_spend_failed", "error", err)
		LedgerCreditsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, ErrSpentOverflow) {
			// Not retryable: the same credit overflows again.
			return nil, err
		}
		return nil, &StorageError{Op: "add_spend", Err: err}
	}

	if res.Duplicate {
		log.Info("add_spend_duplicate", "spent_total", res.SpentTotal)
		LedgerCreditsTotal.WithLabelValues("duplicate").Inc()
		return res, nil
	}

	log.Info("add_spend_succeeded", "spent_total", res.SpentTotal, "credit_id", c.ID)
	LedgerCreditsTotal.WithLabelValues("applied").Inc()
	LedgerSpentTotal.Add(float64(c.Amount))
	return res, nil
}

// Entry returns one user's row.
func (l *Ledger) Entry(ctx context.Context, userID int64) (*Entry, error) {
	e, err := l.store.GetEntry(ctx, userID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &StorageError{Op: "get_entry", Err: err}
	}
	return e, nil
}

// Credits returns the journal for a user, oldest first.
func (l *Ledger) Credits(ctx context.Context, userID int64) ([]*Credit, error) {
	credits, err := l.store.Credits(ctx, userID)
	if err != nil {
		return nil, &StorageError{Op: "credits", Err: err}
	}
	return credits, nil
}

// Leaderboard returns users ordered by spent total descending, then user id
// ascending. limit is clamped to [1, MaxLimit] and offset to >= 0.
func (l *Ledger) Leaderboard(ctx context.Context, limit, offset int) ([]*Entry, error) {
	page := pagination.Clamp(limit, offset, MaxLimit)
	defer observeOp("leaderboard")()

	entries, err := l.store.Leaderboard(ctx, page.Limit, page.Offset)
	if err != nil {
		return nil, &StorageError{Op: "leaderboard", Err: err}
	}
	return entries, nil
}

// Ping checks that the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
