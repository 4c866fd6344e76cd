package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var records = Table{Name: "records", Columns: []string{"id", "state", "body"}, Key: []string{"id"}}

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := Upsert(context.Background(), nil, records, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert_NoKey(t *testing.T) {
	_, err := Upsert(context.Background(), nil, Table{Name: "records", Columns: []string{"id"}}, [][]any{{"r1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a conflict key")
}

func TestMergeSQL(t *testing.T) {
	got := mergeSQL(records, pgx.Identifier{"_stage_records"})
	assert.Equal(t,
		`INSERT INTO "records" ("id", "state", "body") SELECT "id", "state", "body" FROM "_stage_records" `+
			`ON CONFLICT ("id") DO UPDATE SET "state" = EXCLUDED."state", "body" = EXCLUDED."body"`,
		got)
}

func TestMergeSQL_KeyOnly(t *testing.T) {
	got := mergeSQL(Table{Name: "public.seen", Columns: []string{"id"}, Key: []string{"id"}}, pgx.Identifier{"_stage_public_seen"})
	assert.Equal(t, `INSERT INTO "public"."seen" ("id") SELECT "id" FROM "_stage_public_seen" ON CONFLICT ("id") DO NOTHING`, got)
}

func TestUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TEMP TABLE "_stage_records" (LIKE "records" INCLUDING DEFAULTS) ON COMMIT DROP`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_records"}, records.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "records"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := Upsert(context.Background(), mock, records, [][]any{
		{"r1", "pending", "{}"},
		{"r2", "pending", "{}"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_records"}, records.Columns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = Upsert(context.Background(), mock, records, [][]any{{"r1", "pending", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into stage for records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

	_, err = Upsert(context.Background(), mock, records, [][]any{{"r1", "pending", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin upsert")
}
