package destwriter

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"

	"apitap/internal/model"
)

// newTestMySQLWriter builds a MySQLWriter over an in-memory sqlite
// database: the writer only needs database/sql's *sql.Tx, and sqlite
// accepts the same "?" placeholder and quoted-identifier DDL syntax the
// append/replace paths emit, so it stands in for a real MySQL connection
// for everything except the MySQL-specific ON DUPLICATE KEY UPDATE clause.
func newTestMySQLWriter(t *testing.T) *MySQLWriter {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &MySQLWriter{sqlDB: sqlDB, batchRows: 500}
}

func TestMySQLWriterAppend(t *testing.T) {
	w := newTestMySQLWriter(t)
	ctx := context.Background()

	schema := model.Schema{Fields: []model.Field{
		{Name: "id", Type: model.TypeI64},
		{Name: "name", Type: model.TypeString},
	}}

	if err := w.Begin(ctx, "orders", model.WriteAppend, ""); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	b := batchOf(schema, []any{int64(1), "a"}, []any{int64(2), "b"})
	if err := w.WriteBatch(ctx, b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var count int
	if err := w.sqlDB.QueryRow(`SELECT COUNT(*) FROM "orders"`).Scan(&count); err != nil {
		t.Fatalf("querying row count: %v", err)
	}
	if count != 2 {
		t.Errorf("row count = %d, want 2", count)
	}
}

func TestMySQLWriterReplaceTruncatesFirst(t *testing.T) {
	w := newTestMySQLWriter(t)
	ctx := context.Background()
	schema := model.Schema{Fields: []model.Field{{Name: "id", Type: model.TypeI64}}}

	if err := w.Begin(ctx, "orders", model.WriteAppend, ""); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.WriteBatch(ctx, batchOf(schema, []any{int64(1)}, []any{int64(2)})); err != nil {
		t.Fatalf("seed WriteBatch: %v", err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	if err := w.Begin(ctx, "orders", model.WriteReplace, ""); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.WriteBatch(ctx, batchOf(schema, []any{int64(9)})); err != nil {
		t.Fatalf("replace WriteBatch: %v", err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rows, err := w.sqlDB.Query(`SELECT id FROM "orders"`)
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scanning: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Errorf("ids = %v, want [9] (replace must truncate before inserting)", ids)
	}
}

func TestMySQLWriterRollback(t *testing.T) {
	w := newTestMySQLWriter(t)
	ctx := context.Background()
	schema := model.Schema{Fields: []model.Field{{Name: "id", Type: model.TypeI64}}}

	if err := w.Begin(ctx, "orders", model.WriteAppend, ""); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.WriteBatch(ctx, batchOf(schema, []any{int64(1)})); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	var count int
	err := w.sqlDB.QueryRow(`SELECT COUNT(*) FROM "orders"`).Scan(&count)
	if err == nil && count != 0 {
		t.Errorf("row count = %d, want 0 after rollback (or the table shouldn't exist)", count)
	}
}

// TestMySQLWriterMergeEmitsOnDuplicateKeyUpdate exercises the merge/upsert
// path with a mocked driver instead of the in-memory-sqlite stand-in, since
// sqlite has no ON DUPLICATE KEY UPDATE syntax to accept the statement this
// path actually emits against a real MySQL server.
func TestMySQLWriterMergeEmitsOnDuplicateKeyUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	w := &MySQLWriter{sqlDB: db, batchRows: 500}
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO .*ON DUPLICATE KEY UPDATE `name` = VALUES\\(`name`\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := w.Begin(ctx, "orders", model.WriteMerge, "id"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	schema := model.Schema{Fields: []model.Field{
		{Name: "id", Type: model.TypeI64},
		{Name: "name", Type: model.TypeString},
	}}
	if err := w.WriteBatch(ctx, batchOf(schema, []any{int64(1), "a"})); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
