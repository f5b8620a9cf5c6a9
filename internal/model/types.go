// Package model holds the data types shared across ApiTap's pipeline
// stages: rows arriving from HTTP, the schema inferred from them, the
// columnar batches built from that schema, and the configuration shapes
// (pagination, retry, write mode) that drive a single source's execution.
package model

import (
	"errors"
	"time"
)

// Row is a single JSON record extracted from a page, still untyped.
type Row map[string]any

// LogicalType is one of the widened column types a Schema field can hold.
type LogicalType int

const (
	TypeUnknown LogicalType = iota
	TypeBool
	TypeI64
	TypeF64
	TypeString
	TypeBinary
	TypeTimestamp
	TypeStruct
	TypeList
)

func (t LogicalType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeI64:
		return "i64"
	case TypeF64:
		return "f64"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	case TypeTimestamp:
		return "timestamp"
	case TypeStruct:
		return "struct"
	case TypeList:
		return "list"
	default:
		return "unknown"
	}
}

// Field is one column of an inferred Schema.
type Field struct {
	Name     string
	Type     LogicalType
	Nullable bool
	// Elem describes the element type for TypeList fields (recursive).
	Elem *Field
	// Fields describes nested columns for TypeStruct fields.
	Fields []Field
}

// Schema is an ordered sequence of fields, stable by order of first
// appearance in the sample prefix used to infer it.
type Schema struct {
	Fields []Field
}

// FieldByName returns the field with the given name and whether it exists.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Narrow returns a copy of the schema containing only the named fields, in
// schema order. The engine adapter does not call it: a registered table
// always carries every schema column.
func (s Schema) Narrow(names []string) Schema {
	if len(names) == 0 {
		return s
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := Schema{}
	for _, f := range s.Fields {
		if want[f.Name] {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// Batch is a columnar record of exactly N rows (the final batch of a
// stream may hold fewer) conforming to a Schema. Columns are stored
// positionally, parallel to Schema.Fields.
type Batch struct {
	Schema  Schema
	Columns [][]any
	Rows    int
}

// NewBatch allocates an empty batch with one column slice per schema field.
func NewBatch(schema Schema, capacity int) *Batch {
	cols := make([][]any, len(schema.Fields))
	for i := range cols {
		cols[i] = make([]any, 0, capacity)
	}
	return &Batch{Schema: schema, Columns: cols}
}

// Append adds one row's worth of values, one per schema field, in order.
func (b *Batch) Append(values []any) {
	for i, v := range values {
		b.Columns[i] = append(b.Columns[i], v)
	}
	b.Rows++
}

// ColumnByName returns a batch's column values by field name.
func (b *Batch) ColumnByName(name string) ([]any, bool) {
	for i, f := range b.Schema.Fields {
		if f.Name == name {
			return b.Columns[i], true
		}
	}
	return nil, false
}

// PaginationKind tags which PaginationSpec variant is active.
type PaginationKind string

const (
	PaginationLimitOffset PaginationKind = "limit_offset"
	PaginationPageNumber  PaginationKind = "page_number"
	PaginationPageOnly    PaginationKind = "page_only"
	PaginationCursor      PaginationKind = "cursor"
)

// PaginationSpec is the tagged variant describing how a source paginates.
// Exactly one of the strategy-specific fields is meaningful, selected by Kind.
type PaginationSpec struct {
	Kind PaginationKind

	// LimitOffset / shared paging knobs.
	LimitParam  string
	OffsetParam string
	PageSize    int

	// PageNumber / PageOnly.
	PageParam    string
	PerPageParam string
	TotalPath    string // optional json-pointer to a total-pages/total-items field

	// Cursor.
	CursorParam    string
	PageSizeParam  string
	NextCursorPath string
}

// Retry describes the exponential-backoff-with-full-jitter policy applied
// to transient HTTP failures (spec.md §4.C1).
type Retry struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry mirrors the values used across the end-to-end scenarios in
// spec.md §8 when a source doesn't specify its own policy.
func DefaultRetry() Retry {
	return Retry{MaxAttempts: 3, MinDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// WriteMode controls how the destination writer applies result batches.
type WriteMode string

const (
	WriteAppend  WriteMode = "append"
	WriteReplace WriteMode = "replace"
	WriteMerge   WriteMode = "merge"
)

// Auth carries either a literal credential or the name of an environment
// variable to resolve it from (spec.md §3 Target).
type Auth struct {
	Username    string
	UsernameEnv string
	Password    string
	PasswordEnv string
}

// Target is a named destination: connection info plus write semantics.
type Target struct {
	Name string
	Kind string // "postgres" | "mysql" | ...
	// WriteMode is the configured write semantics for this target. Empty
	// means "let the runner infer it" (Merge when MergeKey is set,
	// otherwise Append); resolveTarget sets it only when the YAML names a
	// write_mode of "append", "replace" or "merge".
	WriteMode WriteMode
	Host      string
	Port      int
	Database  string
	Auth      Auth
	MergeKey  string
	BatchRows int
}

// SourceSpec is a named HTTP endpoint plus its pagination and row selector.
type SourceSpec struct {
	Name               string
	BaseURL            string
	Pagination         PaginationSpec
	DataPath           string
	DestinationTable   string
	Retry              Retry
	Concurrency        int
	RateLimitPerSecond float64
}

// FetchStats summarizes one source execution.
type FetchStats struct {
	PagesFetched int
	RowsEmitted  int
	Errors       int
}

// Sentinel errors for the taxonomy in spec.md §7, allowing callers to
// distinguish error classes with errors.Is / errors.As.
var (
	ErrConfigInvalid = errors.New("apitap: configuration error")
	ErrHTTPTransient = errors.New("apitap: transient http error")
	ErrHTTPFatal     = errors.New("apitap: fatal http error")
	ErrParse         = errors.New("apitap: parse error")
	ErrSchemaCoerce  = errors.New("apitap: schema coercion error")
	ErrEngine        = errors.New("apitap: query engine error")
	ErrWriter        = errors.New("apitap: destination writer error")
	ErrCancelled     = errors.New("apitap: cancelled")
)
