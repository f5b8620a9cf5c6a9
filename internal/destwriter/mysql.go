package destwriter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"apitap/internal/model"
)

// MySQLWriter is the secondary relational-upsert Writer variant (spec.md
// §4.C8), backed by gorm.io/driver/mysql. Unlike PostgresWriter it drives
// the connection through *sql.Tx directly (via gorm's underlying *sql.DB)
// since MySQL's placeholder and upsert syntax differ enough that sharing
// pgx's query builder isn't worthwhile.
type MySQLWriter struct {
	db        *gorm.DB
	sqlDB     *sql.DB
	tx        *sql.Tx
	table     string
	mode      model.WriteMode
	mergeKey  string
	batchRows int

	tableCreated bool
}

// NewMySQLWriter opens a connection to a mysql target using its resolved
// DSN, batching writes at batchRows rows per statement (default 5000).
func NewMySQLWriter(dsn string, batchRows int) (*MySQLWriter, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to mysql target: %w", model.ErrWriter, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrWriter, err)
	}
	if batchRows <= 0 {
		batchRows = 5000
	}
	return &MySQLWriter{db: db, sqlDB: sqlDB, batchRows: batchRows}, nil
}

// Begin opens one transaction per pipeline run.
func (w *MySQLWriter) Begin(ctx context.Context, table string, mode model.WriteMode, mergeKey string) error {
	tx, err := w.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", model.ErrWriter, err)
	}
	w.tx = tx
	w.table = table
	w.mode = mode
	w.mergeKey = mergeKey
	return nil
}

// WriteBatch applies b under the active WriteMode, in chunks of at most
// batchRows rows.
func (w *MySQLWriter) WriteBatch(ctx context.Context, b *model.Batch) error {
	if !w.tableCreated {
		if _, err := w.tx.ExecContext(ctx, createTableDDL(w.table, b.Schema, "mysql", w.mergeKey)); err != nil {
			return fmt.Errorf("%w: creating table %q: %w", model.ErrWriter, w.table, err)
		}
		w.tableCreated = true
	}

	if w.mode == model.WriteReplace {
		if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteMySQLIdent(w.table))); err != nil {
			return fmt.Errorf("%w: truncating table %q: %w", model.ErrWriter, w.table, err)
		}
		w.mode = model.WriteAppend
	}

	if w.mode == model.WriteMerge {
		deduped, err := DedupByKey(b, w.mergeKey)
		if err != nil {
			return err
		}
		b = deduped
	}

	for start := 0; start < b.Rows; start += w.batchRows {
		end := start + w.batchRows
		if end > b.Rows {
			end = b.Rows
		}
		if err := w.writeChunk(ctx, b, start, end); err != nil {
			return err
		}
	}
	return nil
}

func (w *MySQLWriter) writeChunk(ctx context.Context, b *model.Batch, start, end int) error {
	cols := make([]string, len(b.Schema.Fields))
	for i, f := range b.Schema.Fields {
		cols[i] = quoteMySQLIdent(f.Name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", quoteMySQLIdent(w.table), strings.Join(cols, ", "))

	args := make([]any, 0, (end-start)*len(cols))
	for row := start; row < end; row++ {
		if row > start {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c, f := range b.Schema.Fields {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			v, err := serializeForWrite(b.Columns[c][row], f.Type)
			if err != nil {
				return fmt.Errorf("%w: serializing column %q: %w", model.ErrWriter, f.Name, err)
			}
			args = append(args, v)
		}
		sb.WriteString(")")
	}

	if w.mode == model.WriteMerge {
		var updateSet []string
		for _, f := range b.Schema.Fields {
			if f.Name == w.mergeKey {
				continue
			}
			updateSet = append(updateSet, fmt.Sprintf("%s = VALUES(%s)", quoteMySQLIdent(f.Name), quoteMySQLIdent(f.Name)))
		}
		fmt.Fprintf(&sb, " ON DUPLICATE KEY UPDATE %s", strings.Join(updateSet, ", "))
	}

	if _, err := w.tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("%w: writing into %q: %w", model.ErrWriter, w.table, err)
	}
	return nil
}

// Commit finalizes the transaction.
func (w *MySQLWriter) Commit(ctx context.Context) error {
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing: %w", model.ErrWriter, err)
	}
	return nil
}

// Rollback aborts the transaction.
func (w *MySQLWriter) Rollback(context.Context) error {
	return w.tx.Rollback()
}

// Close releases the underlying connection pool.
func (w *MySQLWriter) Close(context.Context) error {
	return w.sqlDB.Close()
}
