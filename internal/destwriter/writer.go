// Package destwriter implements the destination writer contract (spec.md
// §4.C8): auto-creating the target table from a batch's schema, applying
// WriteMode semantics in bounded, parameterized batches, and deduplicating
// same-key rows within a batch before a Merge, the way cdc-sink's
// msort.UniqueByKey keeps only the last mutation per key.
package destwriter

import (
	"context"
	"fmt"
	"strings"

	"apitap/internal/batch"
	"apitap/internal/model"
)

// Writer is the destination writer contract. write_stream is split into
// Begin/WriteBatch/Commit so C7 can interleave engine result batches with
// pipeline-level error handling (on_error) between calls.
type Writer interface {
	// Begin opens the writer's transactional scope for one pipeline run.
	Begin(ctx context.Context, table string, mode model.WriteMode, mergeKey string) error
	// WriteBatch applies one result batch under the active write mode; on
	// the first batch it also creates the target table if absent.
	WriteBatch(ctx context.Context, b *model.Batch) error
	// Commit finalizes the transaction.
	Commit(ctx context.Context) error
	// Rollback aborts the transaction on a page-fatal or pipeline-fatal error.
	Rollback(ctx context.Context) error
	// Close releases the writer's connection.
	Close(ctx context.Context) error
}

// DedupByKey implements "last one wins" row de-duplication within a single
// batch ahead of a Merge write (spec.md §4.C8 "Within a batch, deduplicate
// by key keeping last"), mirroring cdc-sink's msort.UniqueByKey: walk the
// batch backwards, keep the first occurrence seen per key (i.e. the last
// in original order), and return rows in their original relative order.
func DedupByKey(b *model.Batch, keyColumn string) (*model.Batch, error) {
	keyIdx := -1
	for i, f := range b.Schema.Fields {
		if f.Name == keyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("%w: merge key %q not present in result schema", model.ErrWriter, keyColumn)
	}

	keep := make([]bool, b.Rows)
	seen := make(map[string]int, b.Rows)

	for row := b.Rows - 1; row >= 0; row-- {
		key := fmt.Sprintf("%v", b.Columns[keyIdx][row])
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = row
		keep[row] = true
	}

	out := model.NewBatch(b.Schema, b.Rows)
	for row := 0; row < b.Rows; row++ {
		if !keep[row] {
			continue
		}
		values := make([]any, len(b.Columns))
		for c := range b.Columns {
			values[c] = b.Columns[c][row]
		}
		out.Append(values)
	}
	return out, nil
}

// sqlType maps a logical schema type to the SQL column type declared by a
// table auto-created from an inferred or engine-produced schema (spec.md
// §4.C8 type mapping), parameterized over the two dialects wired here.
func sqlType(t model.LogicalType, dialect string) string {
	switch t {
	case model.TypeI64:
		return "BIGINT"
	case model.TypeF64:
		return "DOUBLE PRECISION"
	case model.TypeBool:
		return "BOOLEAN"
	case model.TypeTimestamp:
		return "TIMESTAMP"
	case model.TypeStruct, model.TypeList:
		if dialect == "mysql" {
			return "JSON"
		}
		return "JSONB"
	case model.TypeBinary:
		if dialect == "mysql" {
			return "BLOB"
		}
		return "BYTEA"
	default:
		return "TEXT"
	}
}

// serializeForWrite converts a column value into its wire representation,
// serializing nested struct/list values to JSON text per the C8 type
// mapping (handled upstream in the engine's columnar result, here just the
// final encode before the parameterized statement runs).
func serializeForWrite(v any, t model.LogicalType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if t == model.TypeStruct || t == model.TypeList {
		return batch.SerializeNested(v)
	}
	return v, nil
}

// quoteIdent quotes an identifier the ANSI-SQL way (double quotes), valid
// for PostgreSQL and the engine's embedded SQLite. MySQL's default SQL mode
// (without ANSI_QUOTES) treats a double-quoted token as a string literal,
// not an identifier, so MySQLWriter uses quoteMySQLIdent instead.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteMySQLIdent quotes an identifier with MySQL's backtick syntax.
func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// createTableDDL renders the auto-create statement for table from s. When
// mergeKey names a present column it is declared PRIMARY KEY so a Merge
// write's upsert (ON CONFLICT / ON DUPLICATE KEY UPDATE) has a constraint
// to key off of.
func createTableDDL(table string, s model.Schema, dialect string, mergeKey string) string {
	quote := quoteIdent
	if dialect == "mysql" {
		quote = quoteMySQLIdent
	}

	cols := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		def := fmt.Sprintf("%s %s", quote(f.Name), sqlType(f.Type, dialect))
		if f.Name == mergeKey {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(cols, ", "))
}
