package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so range queries compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL DEFAULT '',
	org_id      TEXT NOT NULL DEFAULT '',
	campaign_id TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	score       REAL NOT NULL DEFAULT 0,
	label       TEXT NOT NULL DEFAULT '',
	spend_usd   REAL NOT NULL DEFAULT 0,
	body        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS requeue_entries (
	id               TEXT PRIMARY KEY,
	record_id        TEXT NOT NULL,
	tier_id          TEXT NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	count            INTEGER NOT NULL DEFAULT 0,
	max_requeues     INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	last_requeued_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	charge_id      TEXT NOT NULL,
	scope_key      TEXT NOT NULL,
	period_key     TEXT NOT NULL,
	amount_usd     REAL NOT NULL,
	dedup_key      TEXT NOT NULL,
	policy_version TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS config_snapshots (
	version   TEXT PRIMARY KEY,
	body      BLOB NOT NULL,
	loaded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
	id         TEXT PRIMARY KEY,
	paused     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS record_claims (
	record_id  TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);
CREATE INDEX IF NOT EXISTS idx_records_campaign ON records(campaign_id);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
CREATE INDEX IF NOT EXISTS idx_requeue_next ON requeue_entries(next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_scope ON ledger_entries(scope_key, period_key);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_created ON ledger_entries(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertRecord = `INSERT INTO records
	(id, client_id, org_id, campaign_id, state, score, label, spend_usd, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		client_id = excluded.client_id, org_id = excluded.org_id, campaign_id = excluded.campaign_id,
		state = excluded.state, score = excluded.score, label = excluded.label,
		spend_usd = excluded.spend_usd, body = excluded.body, updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRecord(ctx context.Context, ex execer, rec *model.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal record %s", rec.ID)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = ex.ExecContext(ctx, sqliteUpsertRecord,
		rec.ID, rec.ClientID, rec.OrgID, rec.CampaignID, string(rec.State),
		rec.Score, string(rec.Label), rec.SpendUSD, string(body),
		rec.CreatedAt.UnixNano(), updated.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: upsert record %s", rec.ID)
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.Record) error {
	return upsertRecord(ctx, s.db, rec)
}

// SaveRecords upserts a batch of records in one transaction.
func (s *SQLiteStore) SaveRecords(ctx context.Context, recs []*model.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save records")
	}
	defer tx.Rollback() //nolint:errcheck
	for _, rec := range recs {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit save records")
	}
	return len(recs), nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM records WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return decodeRecord([]byte(body))
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error) {
	query := `SELECT body FROM records WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	if filter.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if !filter.UpdatedAfter.IsZero() {
		query += ` AND updated_at > ?`
		args = append(args, filter.UpdatedAfter.UnixNano())
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		rec, err := decodeRecord([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) EnqueueRequeue(ctx context.Context, e resilience.RequeueEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requeue_entries
			(id, record_id, tier_id, provider, reason, count, max_requeues, next_attempt_at, created_at, last_requeued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordID, e.TierID, e.Provider, e.Reason, e.Count, e.MaxRequeues,
		e.NextAttemptAt.UnixNano(), e.CreatedAt.UnixNano(), e.LastRequeuedAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: enqueue requeue for %s", e.RecordID)
}

func (s *SQLiteStore) DueRequeues(ctx context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, tier_id, provider, reason, count, max_requeues, next_attempt_at, created_at, last_requeued_at
		 FROM requeue_entries WHERE next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`,
		filter.DueBefore.UnixNano(), listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due requeues")
	}
	defer rows.Close()

	var out []resilience.RequeueEntry
	for rows.Next() {
		var e resilience.RequeueEntry
		var next, created, last int64
		if err := rows.Scan(&e.ID, &e.RecordID, &e.TierID, &e.Provider, &e.Reason, &e.Count, &e.MaxRequeues,
			&next, &created, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan requeue")
		}
		e.NextAttemptAt = fromNanos(next)
		e.CreatedAt = fromNanos(created)
		e.LastRequeuedAt = fromNanos(last)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: due requeues iterate")
}

func (s *SQLiteStore) RemoveRequeue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM requeue_entries WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove requeue %s", id)
}

func (s *SQLiteStore) CountRequeues(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requeue_entries`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count requeues")
}

// AppendCharges implements ledger.Journal.
func (s *SQLiteStore) AppendCharges(ctx context.Context, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append charges")
	}
	defer tx.Rollback() //nolint:errcheck
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (charge_id, scope_key, period_key, amount_usd, dedup_key, policy_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ChargeID, e.ScopeKey, e.PeriodKey, e.AmountUSD, e.DedupKey, e.PolicyVersion, e.CreatedAt.UnixNano(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert charge %s", e.ChargeID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit charges")
}

func (s *SQLiteStore) ListCharges(ctx context.Context, filter ChargeFilter) ([]model.LedgerEntry, error) {
	query := `SELECT charge_id, scope_key, period_key, amount_usd, dedup_key, policy_version, created_at
		FROM ledger_entries WHERE 1=1`
	var args []any
	if filter.ScopeKey != "" {
		query += ` AND scope_key = ?`
		args = append(args, filter.ScopeKey)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UnixNano())
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list charges")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var created int64
		if err := rows.Scan(&e.ChargeID, &e.ScopeKey, &e.PeriodKey, &e.AmountUSD, &e.DedupKey, &e.PolicyVersion, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan charge")
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list charges iterate")
}

// SaveSnapshot stores a snapshot body. Re-saving a version keeps the first
// body so a version always names one configuration.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (version, body, loaded_at) VALUES (?, ?, ?)
		 ON CONFLICT(version) DO NOTHING`,
		snap.Version, snap.Body, snap.LoadedAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: save snapshot %s", snap.Version)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, version string) (*Snapshot, error) {
	var snap Snapshot
	var loaded int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version, body, loaded_at FROM config_snapshots WHERE version = ?`, version,
	).Scan(&snap.Version, &snap.Body, &loaded)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: snapshot %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", version)
	}
	snap.LoadedAt = fromNanos(loaded)
	return &snap, nil
}

// ClaimRecord takes the run lease on a record until now+ttl. It reports
// false while another owner holds an unexpired lease.
func (s *SQLiteStore) ClaimRecord(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO record_claims (record_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE record_claims.expires_at <= ? OR record_claims.owner = excluded.owner`,
		id, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim record %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim record %s", id)
	}
	return n > 0, nil
}

// ReleaseRecord drops owner's lease on a record.
func (s *SQLiteStore) ReleaseRecord(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM record_claims WHERE record_id = ? AND owner = ?`, id, owner)
	return eris.Wrapf(err, "sqlite: release record %s", id)
}

func (s *SQLiteStore) SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, paused, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`,
		campaignID, paused, time.Now().UTC().UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: set campaign %s paused", campaignID)
}

func (s *SQLiteStore) CampaignPaused(ctx context.Context, campaignID string) (bool, error) {
	var paused bool
	err := s.db.QueryRowContext(ctx, `SELECT paused FROM campaigns WHERE id = ?`, campaignID).Scan(&paused)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return paused, eris.Wrapf(err, "sqlite: campaign %s", campaignID)
}

// helpers

func decodeRecord(body []byte) (*model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal record")
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]model.FieldValue)
	}
	return &rec, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
