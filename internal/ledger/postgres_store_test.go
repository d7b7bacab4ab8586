package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var testCreditTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPostgresStore_AddSpendApplies(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_credits .* ON CONFLICT DO NOTHING`).
		WithArgs("cr_1", "tg_1", "prov_1", int64(777), int64(50), testCreditTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO ledger_users .* spent_total = ledger_users.spent_total \+ EXCLUDED.spent_total.* RETURNING spent_total`).
		WithArgs(int64(777), int64(50), testCreditTime).
		WillReturnRows(sqlmock.NewRows([]string{"spent_total"}).AddRow(int64(75)))
	mock.ExpectCommit()

	res, err := store.AddSpend(context.Background(), &Credit{
		ID: "cr_1", ChargeID: "tg_1", ProviderChargeID: "prov_1",
		UserID: 777, Amount: 50, CreatedAt: testCreditTime,
	})
	require.NoError(t, err)
	assert.Equal(t, &CreditResult{UserID: 777, SpentTotal: 75}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSpendWithoutChargeIDStoresNull(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_credits`).
		WithArgs("cr_2", nil, nil, int64(1), int64(10), testCreditTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO ledger_users`).
		WillReturnRows(sqlmock.NewRows([]string{"spent_total"}).AddRow(int64(10)))
	mock.ExpectCommit()

	_, err := store.AddSpend(context.Background(), &Credit{ID: "cr_2", UserID: 1, Amount: 10, CreatedAt: testCreditTime})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSpendDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_credits`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT c.user_id, COALESCE\(u.spent_total, 0\)`).
		WithArgs("tg_1", "cr_3").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "spent_total"}).AddRow(int64(777), int64(50)))
	mock.ExpectRollback()

	res, err := store.AddSpend(context.Background(), &Credit{
		ID: "cr_3", ChargeID: "tg_1", UserID: 777, Amount: 50, CreatedAt: testCreditTime,
	})
	require.NoError(t, err)
	assert.Equal(t, &CreditResult{UserID: 777, SpentTotal: 50, Duplicate: true}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSpendDuplicateCreditID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_credits`).
		WithArgs("cr_5", nil, nil, int64(777), int64(50), testCreditTime).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE c.charge_id = \$1 OR c.id = \$2`).
		WithArgs(nil, "cr_5").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "spent_total"}).AddRow(int64(777), int64(50)))
	mock.ExpectRollback()

	res, err := store.AddSpend(context.Background(), &Credit{
		ID: "cr_5", UserID: 777, Amount: 50, CreatedAt: testCreditTime,
	})
	require.NoError(t, err)
	assert.Equal(t, &CreditResult{UserID: 777, SpentTotal: 50, Duplicate: true}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSpendOverflow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_credits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO ledger_users`).
		WillReturnError(&pq.Error{Code: "22003", Message: "bigint out of range"})
	mock.ExpectRollback()

	_, err := store.AddSpend(context.Background(), &Credit{
		ID: "cr_6", UserID: 777, Amount: 1, CreatedAt: testCreditTime,
	})
	assert.ErrorIs(t, err, ErrSpentOverflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSpendRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	dbErr := errors.New("connection reset by peer")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_credits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO ledger_users`).
		WillReturnError(dbErr)
	mock.ExpectRollback()

	_, err := store.AddSpend(context.Background(), &Credit{ID: "cr_4", UserID: 1, Amount: 10, CreatedAt: testCreditTime})
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProfileCoalesces(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`ON CONFLICT \(user_id\) DO UPDATE SET\s+username\s+= COALESCE\(EXCLUDED.username, ledger_users.username\)`).
		WithArgs(int64(777), "ann", nil, nil, nil, testCreditTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertProfile(context.Background(), &Profile{UserID: 777, Username: strPtr("ann")}, testCreditTime)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Leaderboard(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"user_id", "username", "first_name", "last_name", "photo_url", "spent_total", "updated_at"}
	mock.ExpectQuery(`ORDER BY spent_total DESC, user_id ASC\s+LIMIT \$1 OFFSET \$2`).
		WithArgs(10, 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "ann", "Ann", nil, nil, int64(100), testCreditTime).
			AddRow(int64(2), nil, nil, nil, nil, int64(100), testCreditTime))

	entries, err := store.Leaderboard(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ann", *entries[0].Username)
	assert.Nil(t, entries[0].LastName)
	assert.Nil(t, entries[1].Username)
	assert.Equal(t, int64(100), entries[1].SpentTotal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntryNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM ledger_users WHERE user_id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := store.GetEntry(context.Background(), 9)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Credits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM ledger_credits WHERE user_id = \$1`).
		WithArgs(int64(777)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "charge_id", "provider_charge_id", "user_id", "amount", "created_at"}).
			AddRow("cr_1", "tg_1", "", int64(777), int64(50), testCreditTime))

	credits, err := store.Credits(context.Background(), 777)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, "tg_1", credits[0].ChargeID)
	assert.Equal(t, int64(50), credits[0].Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
