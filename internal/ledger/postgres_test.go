package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clientC1 = []Scope{{KindClient, "c1"}}

func newMockPostgresLedger(t *testing.T) (*PostgresLedger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	l, err := NewPostgres(mock, Policy{Version: "p1", Caps: map[Kind]Cap{KindClient: {CapUSD: 1.00}}})
	require.NoError(t, err)
	l.now = func() time.Time { return t0 }
	return l, mock
}

func expectLock(mock pgxmock.PgxPoolIface, committed, reserved int64) {
	mock.ExpectExec(`INSERT INTO ledger_balances`).
		WithArgs("client:c1", "all").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT committed_micros, reserved_micros FROM ledger_balances .* FOR UPDATE`).
		WithArgs("client:c1", "all").
		WillReturnRows(pgxmock.NewRows([]string{"committed_micros", "reserved_micros"}).AddRow(committed, reserved))
}

func TestPostgresLedger_Reserve(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("k").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE dedup_key`).WithArgs("k").
		WillReturnError(pgx.ErrNoRows)
	expectLock(mock, 200_000, 100_000)
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = reserved_micros \+`).
		WithArgs(int64(500_000), t0, "client:c1", "all").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO ledger_reservations`).
		WithArgs(pgxmock.AnyArg(), "k", int64(500_000), []string{"client:c1@all"}, "p1", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	tok, err := l.Reserve(context.Background(), clientC1, 0.50, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", tok.DedupKey)
	assert.InDelta(t, 0.50, tok.AmountUSD, 1e-9)
}

func TestPostgresLedger_Reserve_BudgetExceeded(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("k").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE dedup_key`).WithArgs("k").
		WillReturnError(pgx.ErrNoRows)
	expectLock(mock, 800_000, 100_000)
	mock.ExpectRollback()

	_, err := l.Reserve(context.Background(), clientC1, 0.50, "k")
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.InDelta(t, 0.10, rej.RemainingUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Reserve_AlreadyCharged(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("k").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := l.Reserve(context.Background(), clientC1, 0.50, "k")
	assert.ErrorIs(t, err, ErrAlreadyCharged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Reserve_SupersedesStale(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("k").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE dedup_key`).WithArgs("k").
		WillReturnRows(pgxmock.NewRows([]string{"amount_micros", "bucket_keys"}).AddRow(int64(300_000), []string{"client:c1@all"}))
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = GREATEST`).
		WithArgs(int64(300_000), "client:c1", "all").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectLock(mock, 0, 0)
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = reserved_micros \+`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO ledger_reservations`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	_, err := l.Reserve(context.Background(), clientC1, 0.30, "k")
	require.NoError(t, err)
}

func TestPostgresLedger_Commit(t *testing.T) {
	l, mock := newMockPostgresLedger(t)
	tok := newToken(l.policy.Load(), resolve(l.policy.Load(), clientC1, t0), clientC1, 400_000, "k", t0)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE id`).WithArgs(tok.ID).
		WillReturnRows(pgxmock.NewRows([]string{"amount_micros"}).AddRow(int64(400_000)))
	expectLock(mock, 700_000, 400_000)
	// Only $0.30 of headroom remains, so a $0.45 actual is capped.
	mock.ExpectExec(`INSERT INTO ledger_charges`).
		WithArgs("k", pgxmock.AnyArg(), int64(300_000), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE ledger_balances SET committed_micros`).
		WithArgs(int64(300_000), int64(400_000), t0, "client:c1", "all").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(pgxmock.AnyArg(), "client:c1", "all", 0.30, "k", "p1", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	charged, err := l.Commit(context.Background(), tok, 0.45)
	require.NoError(t, err)
	assert.InDelta(t, 0.30, charged, 1e-9)
}

func TestPostgresLedger_Commit_AlreadyChargedReleasesHold(t *testing.T) {
	l, mock := newMockPostgresLedger(t)
	tok := newToken(l.policy.Load(), resolve(l.policy.Load(), clientC1, t0), clientC1, 400_000, "k", t0)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE id`).WithArgs(tok.ID).
		WillReturnRows(pgxmock.NewRows([]string{"amount_micros"}).AddRow(int64(400_000)))
	expectLock(mock, 300_000, 400_000)
	mock.ExpectExec(`INSERT INTO ledger_charges`).
		WithArgs("k", pgxmock.AnyArg(), int64(400_000), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = GREATEST`).
		WithArgs(int64(400_000), "client:c1", "all").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	charged, err := l.Commit(context.Background(), tok, 0.40)
	assert.ErrorIs(t, err, ErrAlreadyCharged)
	assert.Zero(t, charged)
}

func TestPostgresLedger_Commit_UnknownToken(t *testing.T) {
	l, mock := newMockPostgresLedger(t)
	tok := &Token{ID: "gone"}

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE id`).WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := l.Commit(context.Background(), tok, 0.10)
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Release(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE id`).WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"amount_micros", "bucket_keys"}).AddRow(int64(250_000), []string{"client:c1@all", "day:global@2026-06-10"}))
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = GREATEST`).
		WithArgs(int64(250_000), "client:c1", "all").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = GREATEST`).
		WithArgs(int64(250_000), "day:global", "2026-06-10").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, l.Release(context.Background(), &Token{ID: "t1"}))
}

func TestPostgresLedger_Balance(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectQuery(`SELECT committed_micros, reserved_micros FROM ledger_balances`).
		WithArgs("client:c1", "all").
		WillReturnRows(pgxmock.NewRows([]string{"committed_micros", "reserved_micros"}).AddRow(int64(600_000), int64(150_000)))

	b, err := l.Balance(context.Background(), Scope{KindClient, "c1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.60, b.CommittedUSD, 1e-9)
	assert.InDelta(t, 0.15, b.ReservedUSD, 1e-9)
	assert.InDelta(t, 0.25, b.RemainingUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Balance_NoRow(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectQuery(`SELECT committed_micros, reserved_micros FROM ledger_balances`).
		WithArgs("client:new", "all").
		WillReturnError(pgx.ErrNoRows)

	b, err := l.Balance(context.Background(), Scope{KindClient, "new"})
	require.NoError(t, err)
	assert.InDelta(t, 1.00, b.RemainingUSD, 1e-9)
}

func TestPostgresLedger_SweepExpired(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectQuery(`SELECT id FROM ledger_reservations WHERE created_at`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE id`).WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"amount_micros", "bucket_keys"}).AddRow(int64(1), []string{"client:c1@all"}))
	mock.ExpectExec(`UPDATE ledger_balances SET reserved_micros = GREATEST`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM ledger_reservations WHERE id`).WithArgs("b").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	n, err := l.SweepExpired(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
