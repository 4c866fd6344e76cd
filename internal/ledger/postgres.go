package ledger

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/db"
)

// PostgresLedger keeps balances in Postgres. Every operation is one
// transaction that row-locks the touched balances in key order, so
// reservations are linearizable across processes.
type PostgresLedger struct {
	pool   db.Pool
	policy atomic.Pointer[compiled]
	now    func() time.Time
}

// NewPostgres creates a ledger backed by the given pool.
func NewPostgres(pool db.Pool, p Policy) (*PostgresLedger, error) {
	c, err := compile(p)
	if err != nil {
		return nil, err
	}
	l := &PostgresLedger{pool: pool, now: time.Now}
	l.policy.Store(c)
	return l, nil
}

const postgresLedgerMigration = `
CREATE TABLE IF NOT EXISTS ledger_balances (
	scope_key        TEXT NOT NULL,
	period_key       TEXT NOT NULL,
	committed_micros BIGINT NOT NULL DEFAULT 0,
	reserved_micros  BIGINT NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope_key, period_key)
);

CREATE TABLE IF NOT EXISTS ledger_reservations (
	id             TEXT PRIMARY KEY,
	dedup_key      TEXT NOT NULL UNIQUE,
	amount_micros  BIGINT NOT NULL,
	bucket_keys    TEXT[] NOT NULL,
	policy_version TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_reservations_created ON ledger_reservations(created_at);

CREATE TABLE IF NOT EXISTS ledger_charges (
	dedup_key     TEXT PRIMARY KEY,
	charge_id     TEXT NOT NULL,
	amount_micros BIGINT NOT NULL,
	committed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id             BIGSERIAL PRIMARY KEY,
	charge_id      TEXT NOT NULL,
	scope_key      TEXT NOT NULL,
	period_key     TEXT NOT NULL,
	amount_usd     DOUBLE PRECISION NOT NULL,
	dedup_key      TEXT NOT NULL,
	policy_version TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_scope ON ledger_entries(scope_key, period_key);
`

// Migrate creates the ledger tables.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, postgresLedgerMigration)
	return eris.Wrap(err, "ledger: migrate")
}

// SetPolicy implements Ledger.
func (l *PostgresLedger) SetPolicy(p Policy) error {
	c, err := compile(p)
	if err != nil {
		return err
	}
	l.policy.Store(c)
	return nil
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, scopes []Scope, amountUSD float64, dedupKey string) (*Token, error) {
	if dedupKey == "" {
		return nil, eris.New("ledger: dedup key is required")
	}
	if amountUSD < 0 {
		return nil, eris.Errorf("ledger: negative reservation %.6f", amountUSD)
	}
	pol := l.policy.Load()
	now := l.now()
	refs := resolve(pol, scopes, now)
	amount := cost.Micros(amountUSD)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: begin reserve")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var charged bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_charges WHERE dedup_key = $1)`, dedupKey,
	).Scan(&charged); err != nil {
		return nil, eris.Wrap(err, "ledger: check dedup key")
	}
	if charged {
		return nil, &Rejection{Reason: ErrAlreadyCharged, RequestedUSD: amountUSD}
	}

	if err := supersede(ctx, tx, dedupKey); err != nil {
		return nil, err
	}

	used, err := lockBalances(ctx, tx, refs)
	if err != nil {
		return nil, err
	}
	for _, i := range narrowestFirst(refs) {
		ref := refs[i]
		if ref.limit.unlimited {
			continue
		}
		remaining := ref.limit.micros - used[i]
		if amount > remaining {
			return nil, &Rejection{
				Reason:       ErrBudgetExceeded,
				Scope:        ref.Scope,
				RemainingUSD: cost.USD(max(remaining, 0)),
				RequestedUSD: amountUSD,
			}
		}
	}

	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = ref.key()
		if _, err := tx.Exec(ctx,
			`UPDATE ledger_balances SET reserved_micros = reserved_micros + $1, updated_at = $2 WHERE scope_key = $3 AND period_key = $4`,
			amount, now, ref.Scope.Key(), ref.Period,
		); err != nil {
			return nil, eris.Wrapf(err, "ledger: reserve %s", ref.key())
		}
	}

	tok := newToken(pol, refs, scopes, amount, dedupKey, now)
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_reservations (id, dedup_key, amount_micros, bucket_keys, policy_version, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		tok.ID, dedupKey, amount, keys, pol.Version, now,
	); err != nil {
		return nil, eris.Wrap(err, "ledger: insert reservation")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "ledger: commit reserve")
	}
	return tok, nil
}

// Commit implements Ledger.
func (l *PostgresLedger) Commit(ctx context.Context, t *Token, actualUSD float64) (float64, error) {
	if t == nil {
		return 0, ErrUnknownToken
	}
	now := l.now()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: begin commit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var amount int64
	err = tx.QueryRow(ctx,
		`DELETE FROM ledger_reservations WHERE id = $1 RETURNING amount_micros`, t.ID,
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownToken
	}
	if err != nil {
		return 0, eris.Wrap(err, "ledger: delete reservation")
	}

	held, err := lockBalances(ctx, tx, t.buckets)
	if err != nil {
		return 0, err
	}
	used := make([]int64, len(held))
	for i, h := range held {
		used[i] = h - amount
	}
	charge := capCharge(t, max(cost.Micros(actualUSD), 0), used)

	chargeID := uuid.NewString()
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_charges (dedup_key, charge_id, amount_micros, committed_at) VALUES ($1, $2, $3, $4) ON CONFLICT (dedup_key) DO NOTHING`,
		t.DedupKey, chargeID, charge, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: insert charge")
	}
	if tag.RowsAffected() == 0 {
		// Another writer charged this key. The reservation row is already
		// deleted; drop its hold too and keep that.
		keys := make([]string, len(t.buckets))
		for i, ref := range t.buckets {
			keys[i] = ref.key()
		}
		if err := unreserveKeys(ctx, tx, keys, amount); err != nil {
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, eris.Wrap(err, "ledger: commit duplicate release")
		}
		return 0, &Rejection{Reason: ErrAlreadyCharged, RequestedUSD: actualUSD}
	}

	for _, ref := range t.buckets {
		if _, err := tx.Exec(ctx,
			`UPDATE ledger_balances SET committed_micros = committed_micros + $1, reserved_micros = GREATEST(reserved_micros - $2, 0), updated_at = $3 WHERE scope_key = $4 AND period_key = $5`,
			charge, amount, now, ref.Scope.Key(), ref.Period,
		); err != nil {
			return 0, eris.Wrapf(err, "ledger: commit %s", ref.key())
		}
	}
	for _, e := range entriesFor(t, chargeID, charge, now) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (charge_id, scope_key, period_key, amount_usd, dedup_key, policy_version, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ChargeID, e.ScopeKey, e.PeriodKey, e.AmountUSD, e.DedupKey, e.PolicyVersion, e.CreatedAt,
		); err != nil {
			return 0, eris.Wrap(err, "ledger: insert entry")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "ledger: commit charge")
	}
	return cost.USD(charge), nil
}

// Release implements Ledger.
func (l *PostgresLedger) Release(ctx context.Context, t *Token) error {
	if t == nil {
		return ErrUnknownToken
	}
	return l.release(ctx, t.ID)
}

func (l *PostgresLedger) release(ctx context.Context, id string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "ledger: begin release")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var amount int64
	var keys []string
	err = tx.QueryRow(ctx,
		`DELETE FROM ledger_reservations WHERE id = $1 RETURNING amount_micros, bucket_keys`, id,
	).Scan(&amount, &keys)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownToken
	}
	if err != nil {
		return eris.Wrap(err, "ledger: delete reservation")
	}
	if err := unreserveKeys(ctx, tx, keys, amount); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "ledger: commit release")
}

// Balance implements Ledger.
func (l *PostgresLedger) Balance(ctx context.Context, s Scope) (Balance, error) {
	ref := l.policy.Load().bucket(s, l.now())
	var committed, reserved int64
	err := l.pool.QueryRow(ctx,
		`SELECT committed_micros, reserved_micros FROM ledger_balances WHERE scope_key = $1 AND period_key = $2`,
		s.Key(), ref.Period,
	).Scan(&committed, &reserved)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, eris.Wrapf(err, "ledger: balance %s", s)
	}
	return balanceOf(ref, committed, reserved), nil
}

// SweepExpired implements Ledger.
func (l *PostgresLedger) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id FROM ledger_reservations WHERE created_at < $1`, l.now().Add(-ttl),
	)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: list expired reservations")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, eris.Wrap(err, "ledger: scan expired reservations")
	}

	n := 0
	for _, id := range ids {
		err := l.release(ctx, id)
		if errors.Is(err, ErrUnknownToken) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		zap.L().Info("ledger: swept expired reservations", zap.Int("count", n))
	}
	return n, nil
}

// supersede drops an open reservation under the same dedup key, left by a
// run that crashed between reserve and settle.
func supersede(ctx context.Context, tx pgx.Tx, dedupKey string) error {
	var amount int64
	var keys []string
	err := tx.QueryRow(ctx,
		`DELETE FROM ledger_reservations WHERE dedup_key = $1 RETURNING amount_micros, bucket_keys`, dedupKey,
	).Scan(&amount, &keys)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "ledger: supersede reservation")
	}
	zap.L().Debug("ledger: superseded open reservation", zap.String("dedup_key", dedupKey))
	return unreserveKeys(ctx, tx, keys, amount)
}

func unreserveKeys(ctx context.Context, tx pgx.Tx, keys []string, amount int64) error {
	for _, k := range keys {
		i := strings.LastIndex(k, "@")
		if i < 0 {
			return eris.Errorf("ledger: malformed bucket key %q", k)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE ledger_balances SET reserved_micros = GREATEST(reserved_micros - $1, 0) WHERE scope_key = $2 AND period_key = $3`,
			amount, k[:i], k[i+1:],
		); err != nil {
			return eris.Wrapf(err, "ledger: unreserve %s", k)
		}
	}
	return nil
}

// lockBalances ensures a row exists for each bucket and row-locks them in
// order. It returns committed+reserved per bucket.
func lockBalances(ctx context.Context, tx pgx.Tx, refs []bucketRef) ([]int64, error) {
	used := make([]int64, len(refs))
	for i, ref := range refs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_balances (scope_key, period_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			ref.Scope.Key(), ref.Period,
		); err != nil {
			return nil, eris.Wrapf(err, "ledger: ensure balance %s", ref.key())
		}
		var committed, reserved int64
		if err := tx.QueryRow(ctx,
			`SELECT committed_micros, reserved_micros FROM ledger_balances WHERE scope_key = $1 AND period_key = $2 FOR UPDATE`,
			ref.Scope.Key(), ref.Period,
		).Scan(&committed, &reserved); err != nil {
			return nil, eris.Wrapf(err, "ledger: lock balance %s", ref.key())
		}
		used[i] = committed + reserved
	}
	return used, nil
}
