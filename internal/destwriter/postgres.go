package destwriter

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"apitap/internal/model"
)

// PostgresWriter is the reference relational-upsert Writer (spec.md §4.C8)
// backed by jackc/pgx/v5, the primary destination dialect.
type PostgresWriter struct {
	conn      *pgx.Conn
	tx        pgx.Tx
	table     string
	mode      model.WriteMode
	mergeKey  string
	batchRows int

	tableCreated bool
}

// NewPostgresWriter connects to a postgres target using its resolved
// credentials (spec.md §3 Target.auth), batching writes at batchRows rows
// per statement (default 5000).
func NewPostgresWriter(ctx context.Context, dsn string, batchRows int) (*PostgresWriter, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres target: %w", model.ErrWriter, err)
	}
	if batchRows <= 0 {
		batchRows = 5000
	}
	return &PostgresWriter{conn: conn, batchRows: batchRows}, nil
}

// Begin opens one transaction per pipeline run, the default transaction
// scope from spec.md §4.C8.
func (w *PostgresWriter) Begin(ctx context.Context, table string, mode model.WriteMode, mergeKey string) error {
	tx, err := w.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", model.ErrWriter, err)
	}
	w.tx = tx
	w.table = table
	w.mode = mode
	w.mergeKey = mergeKey
	return nil
}

// WriteBatch applies b under the active WriteMode, splitting it into
// chunks of at most batchRows rows (spec.md §4.C8 "Batching").
func (w *PostgresWriter) WriteBatch(ctx context.Context, b *model.Batch) error {
	if !w.tableCreated {
		if _, err := w.tx.Exec(ctx, createTableDDL(w.table, b.Schema, "postgres", w.mergeKey)); err != nil {
			return fmt.Errorf("%w: creating table %q: %w", model.ErrWriter, w.table, err)
		}
		w.tableCreated = true
	}

	if w.mode == model.WriteReplace {
		if _, err := w.tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", quoteIdent(w.table))); err != nil {
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

func (w *PostgresWriter) writeChunk(ctx context.Context, b *model.Batch, start, end int) error {
	switch w.mode {
	case model.WriteMerge:
		return w.upsertChunk(ctx, b, start, end)
	default:
		return w.insertChunk(ctx, b, start, end)
	}
}

// buildInsertValues renders "INSERT INTO table (cols) VALUES ($1, $2), ..."
// for rows [start, end) of b using $N placeholders, and collects the
// matching positional args. Shared by insertChunk and upsertChunk, which
// differ only in what they append after the VALUES list.
func buildInsertValues(table string, b *model.Batch, start, end int) (string, []any, error) {
	cols := make([]string, len(b.Schema.Fields))
	for i, f := range b.Schema.Fields {
		cols[i] = quoteIdent(f.Name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", quoteIdent(table), strings.Join(cols, ", "))

	args := make([]any, 0, (end-start)*len(cols))
	arg := 1
	for row := start; row < end; row++ {
		if row > start {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c, f := range b.Schema.Fields {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", arg)
			arg++
			v, err := serializeForWrite(b.Columns[c][row], f.Type)
			if err != nil {
				return "", nil, fmt.Errorf("%w: serializing column %q: %w", model.ErrWriter, f.Name, err)
			}
			args = append(args, v)
		}
		sb.WriteString(")")
	}

	return sb.String(), args, nil
}

func (w *PostgresWriter) insertChunk(ctx context.Context, b *model.Batch, start, end int) error {
	stmt, args, err := buildInsertValues(w.table, b, start, end)
	if err != nil {
		return err
	}
	if _, err := w.tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("%w: inserting into %q: %w", model.ErrWriter, w.table, err)
	}
	return nil
}

// upsertChunk merges through INSERT ... ON CONFLICT(merge_key) DO UPDATE,
// the portable upsert form spec.md §4.C8 names; PostgreSQL's native MERGE
// statement is not used.
func (w *PostgresWriter) upsertChunk(ctx context.Context, b *model.Batch, start, end int) error {
	stmt, args, err := buildInsertValues(w.table, b, start, end)
	if err != nil {
		return err
	}

	var updateSet []string
	for _, f := range b.Schema.Fields {
		if f.Name == w.mergeKey {
			continue
		}
		updateSet = append(updateSet, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(f.Name), quoteIdent(f.Name)))
	}

	stmt += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteIdent(w.mergeKey), strings.Join(updateSet, ", "))

	if _, err := w.tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("%w: upserting into %q: %w", model.ErrWriter, w.table, err)
	}
	return nil
}

// Commit finalizes the transaction.
func (w *PostgresWriter) Commit(ctx context.Context) error {
	if err := w.tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing: %w", model.ErrWriter, err)
	}
	return nil
}

// Rollback aborts the transaction on a page-fatal or pipeline-fatal error.
func (w *PostgresWriter) Rollback(ctx context.Context) error {
	return w.tx.Rollback(ctx)
}

// Close releases the underlying connection.
func (w *PostgresWriter) Close(ctx context.Context) error {
	return w.conn.Close(ctx)
}
