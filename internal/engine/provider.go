// Package engine presents a streamfactory.Factory as a table the embedded
// query engine can run SQL against (spec.md §4.C5), and turns the engine's
// result set back into a stream of model.Batch for the destination writer.
//
// The embedded engine itself is a capability spec.md treats as an external
// collaborator ("the specific columnar/query-engine implementation ...
// treated as a capability"). The concrete engine wired here is an
// in-memory SQLite connection via the teacher's gorm.io/driver/sqlite —
// the nearest embeddable SQL engine available in the retrieval pack. Pure
// Go SQLite drivers don't expose a pluggable virtual-table provider without
// CGO module registration, so RegisterTable materializes the factory's rows into
// an ordinary SQLite table ahead of running the user's SQL, rather than
// streaming through a custom table-valued function; this keeps spec.md I1
// (one HTTP body read per page) intact because the factory is still opened
// exactly once per registration, before any SQL executes.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"apitap/internal/batch"
	"apitap/internal/model"
	"apitap/internal/streamfactory"
)

// Engine owns one in-memory SQLite connection used to register source
// tables and run the user's SQL transformation against them.
type Engine struct {
	db *gorm.DB
}

// Open creates a fresh in-memory SQLite-backed Engine. One Engine is
// scoped to a single pipeline run (spec.md §3 "Table registration in the
// engine: scoped to a single SQL execution").
func Open() (*Engine, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening embedded engine: %w", model.ErrEngine, err)
	}
	return &Engine{db: db}, nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RegisterTable materializes factory's rows into a table named name with
// columns derived from schema, batching inserts via the JSON→batch
// converter (spec.md §4.C3). It reports a *Table handle usable for
// deregistration.
func (e *Engine) RegisterTable(ctx context.Context, name string, s model.Schema, factory streamfactory.Factory, batchSize int) (*Table, error) {
	ddl, err := createTableDDL(name, s)
	if err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return nil, fmt.Errorf("%w: creating table %q: %w", model.ErrEngine, name, err)
	}

	insertSQL := insertStatement(name, s)

	conv := batch.NewConverter(s, batchSize, batch.CoerceToNullOrString)
	batches, errs := conv.Convert(factory())

	sqlDB, err := e.db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEngine, err)
	}

	for b := range batches {
		if err := insertBatch(ctx, sqlDB, insertSQL, b); err != nil {
			return nil, err
		}
	}
	if err := <-errs; err != nil {
		return nil, fmt.Errorf("%w: materializing table %q: %w", model.ErrEngine, name, err)
	}

	return &Table{engine: e, name: name, schema: s}, nil
}

// Table is a handle to a registered table, deregistered at the end of a
// single SQL execution (spec.md §3 "Table registration ... deregistered or
// garbage-collected at completion").
type Table struct {
	engine *Engine
	name   string
	schema model.Schema
}

// Deregister drops the materialized table.
func (t *Table) Deregister(ctx context.Context) error {
	return t.engine.db.WithContext(ctx).Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(t.name))).Error
}

// ResultBatch pairs a *sql.Rows-derived Batch conversion with the query's
// own result schema (§4.C7: "a result schema possibly different from S").
type ResultBatch = model.Batch

// Execute runs the user's SQL against the engine and streams the result as
// batches of resultBatchSize rows, inferring a result schema from the
// driver's column metadata the way application/tickets/mapper.go's
// GetColumnMetadata does.
func (e *Engine) Execute(ctx context.Context, query string, resultBatchSize int) (<-chan *ResultBatch, <-chan error) {
	out := make(chan *ResultBatch, 2)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		sqlDB, err := e.db.DB()
		if err != nil {
			errOut <- fmt.Errorf("%w: %w", model.ErrEngine, err)
			return
		}

		rows, err := sqlDB.QueryContext(ctx, query)
		if err != nil {
			errOut <- fmt.Errorf("%w: executing sql: %w", model.ErrEngine, err)
			return
		}
		defer rows.Close()

		resultSchema, err := columnMetadataSchema(rows)
		if err != nil {
			errOut <- fmt.Errorf("%w: %w", model.ErrEngine, err)
			return
		}

		if resultBatchSize <= 0 {
			resultBatchSize = 256
		}

		cur := model.NewBatch(resultSchema, resultBatchSize)
		cols := make([]string, len(resultSchema.Fields))
		for i, f := range resultSchema.Fields {
			cols[i] = f.Name
		}

		for rows.Next() {
			values, err := scanRow(rows, len(cols))
			if err != nil {
				errOut <- fmt.Errorf("%w: scanning result row: %w", model.ErrEngine, err)
				return
			}
			cur.Append(values)
			if cur.Rows >= resultBatchSize {
				out <- cur
				cur = model.NewBatch(resultSchema, resultBatchSize)
			}
		}
		if err := rows.Err(); err != nil {
			errOut <- fmt.Errorf("%w: iterating result rows: %w", model.ErrEngine, err)
			return
		}
		if cur.Rows > 0 {
			out <- cur
		}
	}()

	return out, errOut
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func columnMetadataSchema(rows *sql.Rows) (model.Schema, error) {
	cols, err := rows.Columns()
	if err != nil {
		return model.Schema{}, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return model.Schema{}, err
	}

	s := model.Schema{}
	for i, name := range cols {
		nullable, ok := types[i].Nullable()
		s.Fields = append(s.Fields, model.Field{
			Name:     name,
			Type:     sqlTypeToLogical(types[i].DatabaseTypeName()),
			Nullable: !ok || nullable,
		})
	}
	return s, nil
}

func sqlTypeToLogical(dbType string) model.LogicalType {
	switch strings.ToUpper(dbType) {
	case "INTEGER", "BIGINT", "INT":
		return model.TypeI64
	case "REAL", "DOUBLE", "FLOAT", "NUMERIC":
		return model.TypeF64
	case "BOOLEAN", "BOOL":
		return model.TypeBool
	case "BLOB":
		return model.TypeBinary
	default:
		return model.TypeString
	}
}

func insertBatch(ctx context.Context, db *sql.DB, insertSQL string, b *model.Batch) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning batch transaction: %w", model.ErrEngine, err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: preparing insert: %w", model.ErrEngine, err)
	}
	defer stmt.Close()

	for row := 0; row < b.Rows; row++ {
		args := make([]any, len(b.Columns))
		for c, f := range b.Schema.Fields {
			v, err := columnValueForInsert(b.Columns[c][row], f.Type)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("%w: serializing column %q: %w", model.ErrEngine, f.Name, err)
			}
			args[c] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: inserting row: %w", model.ErrEngine, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing batch transaction: %w", model.ErrEngine, err)
	}
	return nil
}

// columnValueForInsert mirrors destwriter.serializeForWrite: the embedded
// engine's table DDL declares TypeStruct/TypeList columns TEXT (see
// sqliteColumnType below), so those values must be JSON-encoded before
// binding — mattn/go-sqlite3's parameter converter rejects bare
// maps/slices.
func columnValueForInsert(v any, t model.LogicalType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if t == model.TypeStruct || t == model.TypeList {
		return batch.SerializeNested(v)
	}
	return v, nil
}

func createTableDDL(name string, s model.Schema) (string, error) {
	if len(s.Fields) == 0 {
		return "", fmt.Errorf("%w: cannot register table %q with no columns", model.ErrEngine, name)
	}
	var cols []string
	for _, f := range s.Fields {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(f.Name), sqliteColumnType(f)))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", ")), nil
}

func insertStatement(name string, s model.Schema) string {
	cols := make([]string, len(s.Fields))
	placeholders := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = quoteIdent(f.Name)
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

func sqliteColumnType(f model.Field) string {
	switch f.Type {
	case model.TypeBool:
		return "BOOLEAN"
	case model.TypeI64:
		return "INTEGER"
	case model.TypeF64:
		return "REAL"
	case model.TypeTimestamp:
		return "TIMESTAMP"
	case model.TypeStruct, model.TypeList:
		return "TEXT"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
