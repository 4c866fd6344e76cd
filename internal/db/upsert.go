package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert writes rows into t in one transaction: COPY into a staging table,
// then INSERT ... ON CONFLICT (key) DO UPDATE for every non-key column. It
// returns the number of rows inserted or updated.
func Upsert(ctx context.Context, pool Pool, t Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.check(rows); err != nil {
		return 0, err
	}
	if len(t.Key) == 0 {
		return 0, eris.Errorf("db: %s: upsert needs a conflict key", t.Name)
	}

	stage := pgx.Identifier{"_stage_" + strings.ReplaceAll(t.Name, ".", "_")}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), t.ident().Sanitize())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: stage %s", t.Name)
	}
	if _, err := tx.CopyFrom(ctx, stage, t.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: copy into stage for %s", t.Name)
	}

	tag, err := tx.Exec(ctx, mergeSQL(t, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge stage into %s", t.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: commit upsert")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(t Table, stage pgx.Identifier) string {
	key := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		key[k] = true
	}
	var set []string
	for _, c := range t.Columns {
		if key[c] {
			continue
		}
		q := quote(c)
		set = append(set, q+" = EXCLUDED."+q)
	}

	cols := quoteAll(t.Columns)
	action := "DO NOTHING"
	if len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		t.ident().Sanitize(), cols, cols, stage.Sanitize(), quoteAll(t.Key), action)
}

func quote(col string) string { return pgx.Identifier{col}.Sanitize() }

func quoteAll(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quote(c)
	}
	return strings.Join(out, ", ")
}
