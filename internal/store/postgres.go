package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/db"
	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot checkpoint and requeue paths.
var preparedStatements = map[string]string{
	"upsert_record":   postgresUpsertRecord,
	"get_record":      `SELECT body FROM records WHERE id = $1`,
	"campaign_paused": `SELECT paused FROM campaigns WHERE id = $1`,
	"remove_requeue":  `DELETE FROM requeue_entries WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool so the spend ledger can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL DEFAULT '',
	org_id      TEXT NOT NULL DEFAULT '',
	campaign_id TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	label       TEXT NOT NULL DEFAULT '',
	spend_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	body        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);
CREATE INDEX IF NOT EXISTS idx_records_campaign ON records(campaign_id);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at DESC);

CREATE TABLE IF NOT EXISTS requeue_entries (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	record_id        TEXT NOT NULL,
	tier_id          TEXT NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	count            INTEGER NOT NULL DEFAULT 0,
	max_requeues     INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_requeued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_requeue_next ON requeue_entries(next_attempt_at);

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

CREATE TABLE IF NOT EXISTS config_snapshots (
	version   TEXT PRIMARY KEY,
	body      BYTEA NOT NULL,
	loaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id         TEXT PRIMARY KEY,
	paused     BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS record_claims (
	record_id  TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const postgresUpsertRecord = `INSERT INTO records
	(id, client_id, org_id, campaign_id, state, score, label, spend_usd, body, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		client_id = $2, org_id = $3, campaign_id = $4, state = $5, score = $6,
		label = $7, spend_usd = $8, body = $9, updated_at = $11`

var recordColumns = []string{
	"id", "client_id", "org_id", "campaign_id", "state", "score", "label", "spend_usd", "body", "created_at", "updated_at",
}

var (
	recordsTable = db.Table{Name: "records", Columns: recordColumns, Key: []string{"id"}}
	ledgerTable  = db.Table{
		Name:    "ledger_entries",
		Columns: []string{"charge_id", "scope_key", "period_key", "amount_usd", "dedup_key", "policy_version", "created_at"},
	}
)

func recordRow(rec *model.Record) ([]any, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: marshal record %s", rec.ID)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return []any{
		rec.ID, rec.ClientID, rec.OrgID, rec.CampaignID, string(rec.State),
		rec.Score, string(rec.Label), rec.SpendUSD, body, rec.CreatedAt, updated,
	}, nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *model.Record) error {
	row, err := recordRow(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, postgresUpsertRecord, row...)
	return eris.Wrapf(err, "postgres: upsert record %s", rec.ID)
}

// SaveRecords bulk-upserts records through a COPY into a temp table.
func (s *PostgresStore) SaveRecords(ctx context.Context, recs []*model.Record) (int, error) {
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		row, err := recordRow(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.Upsert(ctx, s.pool, recordsTable, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: save records")
	}
	return int(n), nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM records WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return decodeRecord(body)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error) {
	query := `SELECT body FROM records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if filter.ClientID != "" {
		query += fmt.Sprintf(` AND client_id = $%d`, argIdx)
		args = append(args, filter.ClientID)
		argIdx++
	}
	if filter.CampaignID != "" {
		query += fmt.Sprintf(` AND campaign_id = $%d`, argIdx)
		args = append(args, filter.CampaignID)
		argIdx++
	}
	if !filter.UpdatedAfter.IsZero() {
		query += fmt.Sprintf(` AND updated_at > $%d`, argIdx)
		args = append(args, filter.UpdatedAfter)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) EnqueueRequeue(ctx context.Context, e resilience.RequeueEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO requeue_entries
			(id, record_id, tier_id, provider, reason, count, max_requeues, next_attempt_at, created_at, last_requeued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.RecordID, e.TierID, e.Provider, e.Reason, e.Count, e.MaxRequeues,
		e.NextAttemptAt, e.CreatedAt, e.LastRequeuedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue requeue for %s", e.RecordID)
}

func (s *PostgresStore) DueRequeues(ctx context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, tier_id, provider, reason, count, max_requeues, next_attempt_at, created_at, last_requeued_at
		 FROM requeue_entries WHERE next_attempt_at <= $1 ORDER BY next_attempt_at LIMIT $2`,
		filter.DueBefore, listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due requeues")
	}
	defer rows.Close()

	var out []resilience.RequeueEntry
	for rows.Next() {
		var e resilience.RequeueEntry
		if err := rows.Scan(&e.ID, &e.RecordID, &e.TierID, &e.Provider, &e.Reason, &e.Count, &e.MaxRequeues,
			&e.NextAttemptAt, &e.CreatedAt, &e.LastRequeuedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan requeue")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: due requeues iterate")
}

func (s *PostgresStore) RemoveRequeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM requeue_entries WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove requeue %s", id)
}

func (s *PostgresStore) CountRequeues(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requeue_entries`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count requeues")
}

// AppendCharges implements ledger.Journal with a COPY into ledger_entries.
func (s *PostgresStore) AppendCharges(ctx context.Context, entries []model.LedgerEntry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.ChargeID, e.ScopeKey, e.PeriodKey, e.AmountUSD, e.DedupKey, e.PolicyVersion, e.CreatedAt}
	}
	_, err := db.Append(ctx, s.pool, ledgerTable, rows)
	return eris.Wrap(err, "postgres: append charges")
}

func (s *PostgresStore) ListCharges(ctx context.Context, filter ChargeFilter) ([]model.LedgerEntry, error) {
	query := `SELECT charge_id, scope_key, period_key, amount_usd, dedup_key, policy_version, created_at
		FROM ledger_entries WHERE true`
	args := []any{}
	argIdx := 1
	if filter.ScopeKey != "" {
		query += fmt.Sprintf(` AND scope_key = $%d`, argIdx)
		args = append(args, filter.ScopeKey)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list charges")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ChargeID, &e.ScopeKey, &e.PeriodKey, &e.AmountUSD, &e.DedupKey, &e.PolicyVersion, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan charge")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list charges iterate")
}

// SaveSnapshot stores a snapshot body. The first body saved under a version
// wins.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config_snapshots (version, body, loaded_at) VALUES ($1, $2, $3)
		 ON CONFLICT (version) DO NOTHING`,
		snap.Version, snap.Body, snap.LoadedAt,
	)
	return eris.Wrapf(err, "postgres: save snapshot %s", snap.Version)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, version string) (*Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT version, body, loaded_at FROM config_snapshots WHERE version = $1`, version,
	).Scan(&snap.Version, &snap.Body, &snap.LoadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: snapshot %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", version)
	}
	return &snap, nil
}

// ClaimRecord takes the run lease on a record until now+ttl. The upsert
// only overwrites an expired lease or one already held by owner.
func (s *PostgresStore) ClaimRecord(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO record_claims (record_id, owner, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (record_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE record_claims.expires_at <= $4 OR record_claims.owner = EXCLUDED.owner`,
		id, owner, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim record %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseRecord drops owner's lease on a record.
func (s *PostgresStore) ReleaseRecord(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM record_claims WHERE record_id = $1 AND owner = $2`, id, owner)
	return eris.Wrapf(err, "postgres: release record %s", id)
}

func (s *PostgresStore) SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, paused, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET paused = $2, updated_at = now()`,
		campaignID, paused,
	)
	return eris.Wrapf(err, "postgres: set campaign %s paused", campaignID)
}

func (s *PostgresStore) CampaignPaused(ctx context.Context, campaignID string) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx, `SELECT paused FROM campaigns WHERE id = $1`, campaignID).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return paused, eris.Wrapf(err, "postgres: campaign %s", campaignID)
}
