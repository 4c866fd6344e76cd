// Package db holds the Postgres bulk-write helpers shared by the store and
// the ledger.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table describes the destination of a bulk write.
type Table struct {
	// Name may be schema-qualified.
	Name    string
	Columns []string
	// Key is the conflict target for Upsert. Append ignores it.
	Key []string
}

func (t Table) ident() pgx.Identifier {
	return pgx.Identifier(strings.SplitN(t.Name, ".", 2))
}

// check rejects an unusable table or a row whose width does not match the
// column list, before any statement is sent.
func (t Table) check(rows [][]any) error {
	if t.Name == "" {
		return eris.New("db: table name is required")
	}
	if len(t.Columns) == 0 {
		return eris.Errorf("db: %s: no columns", t.Name)
	}
	for i, r := range rows {
		if len(r) != len(t.Columns) {
			return eris.Errorf("db: %s: row %d has %d values for %d columns", t.Name, i, len(r), len(t.Columns))
		}
	}
	return nil
}

// Append COPYs rows into t. Rows are appended as-is; duplicates fail on the
// table's constraints.
func Append(ctx context.Context, pool Pool, t Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.check(rows); err != nil {
		return 0, err
	}
	n, err := pool.CopyFrom(ctx, t.ident(), t.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", t.Name)
	}
	return n, nil
}
