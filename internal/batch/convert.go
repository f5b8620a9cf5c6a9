// Package batch implements the JSON→batch converter (spec.md §4.C3):
// given a row stream and a frozen Schema, it accumulates rows into
// fixed-size columnar Batches, coercing or erroring on schema violations
// per spec.md I4.
package batch

import (
	"fmt"

	"github.com/guregu/null/v5"

	"apitap/internal/model"
)

// RowSource is anything that can be drained for rows, satisfied by both
// httpfetch.Item channels (via Adapt) and the streamfactory replay stream.
type RowSource <-chan RowOrErr

// RowOrErr pairs a row with an optional terminal error, mirroring
// httpfetch.Item so the converter doesn't need to import httpfetch.
type RowOrErr struct {
	Row model.Row
	Err error
}

// CoercionPolicy controls what happens when a row doesn't conform to the
// frozen schema (spec.md I4).
type CoercionPolicy int

const (
	// CoerceToNullOrString stores null for a missing field or for a
	// non-conforming value in a nullable field, and the value's string form
	// for a non-conforming value in a non-nullable field, then continues.
	// This is the default per spec.md §7.
	CoerceToNullOrString CoercionPolicy = iota
	// FailOnCoercion treats any non-conforming row as a fatal error.
	FailOnCoercion
)

// Converter turns a row stream into a stream of fixed-size Batches.
type Converter struct {
	Schema    model.Schema
	BatchSize int
	Policy    CoercionPolicy
}

// NewConverter builds a Converter over schema, emitting batches of n rows.
func NewConverter(schema model.Schema, n int, policy CoercionPolicy) *Converter {
	if n <= 0 {
		n = 256
	}
	return &Converter{Schema: schema, BatchSize: n, Policy: policy}
}

// Convert drains source and returns a channel of *model.Batch terminated
// when the source is exhausted; a final partial batch is emitted if
// non-empty. A coercion or stream error is delivered on errOut and stops
// conversion.
func (c *Converter) Convert(source RowSource) (<-chan *model.Batch, <-chan error) {
	out := make(chan *model.Batch, 2)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		cur := model.NewBatch(c.Schema, c.BatchSize)

		for item := range source {
			if item.Err != nil {
				errOut <- item.Err
				return
			}

			values, err := c.project(item.Row)
			if err != nil {
				errOut <- err
				return
			}

			cur.Append(values)
			if cur.Rows >= c.BatchSize {
				out <- cur
				cur = model.NewBatch(c.Schema, c.BatchSize)
			}
		}

		if cur.Rows > 0 {
			out <- cur
		}
	}()

	return out, errOut
}

// project extracts one value per schema field from row, coercing or
// erroring according to c.Policy.
func (c *Converter) project(row model.Row) ([]any, error) {
	values := make([]any, len(c.Schema.Fields))

	for i, f := range c.Schema.Fields {
		v, present := row[f.Name]
		if !present || v == nil {
			if !f.Nullable && c.Policy == FailOnCoercion {
				return nil, fmt.Errorf("%w: field %q is required but missing", model.ErrSchemaCoerce, f.Name)
			}
			if f.Nullable {
				values[i] = nullFor(f.Type, nil, false)
			} else {
				values[i] = nil
			}
			continue
		}

		coerced, ok := coerce(v, f.Type)
		if !ok {
			if c.Policy == FailOnCoercion {
				return nil, fmt.Errorf("%w: field %q value %v does not conform to type %s",
					model.ErrSchemaCoerce, f.Name, v, f.Type)
			}
			if f.Nullable {
				values[i] = nullFor(f.Type, nil, false)
			} else {
				values[i] = fmt.Sprintf("%v", v)
			}
			continue
		}
		if f.Nullable {
			values[i] = nullFor(f.Type, coerced, true)
		} else {
			values[i] = coerced
		}
	}

	return values, nil
}

// nullFor makes the nullable/non-null decision for a scalar field explicit
// by routing it through guregu/null's Valid flag before unwrapping back to
// a plain Go value (or nil). The batch itself stores plain values, not null
// wrappers: three destination drivers (sqlite, pgx, gorm/mysql) each bind
// query arguments differently, so carrying typed null wrappers through to
// insertBatch/WriteBatch would mean teaching every driver path its
// Value()/Scan() conventions for no behavioral gain over a plain nil.
func nullFor(t model.LogicalType, v any, valid bool) any {
	switch t {
	case model.TypeBool:
		b, _ := v.(bool)
		n := null.BoolFrom(b)
		n.Valid = valid
		if !n.Valid {
			return nil
		}
		return n.Bool
	case model.TypeI64:
		i, _ := v.(int64)
		n := null.IntFrom(i)
		n.Valid = valid
		if !n.Valid {
			return nil
		}
		return n.Int64
	case model.TypeF64:
		f, _ := v.(float64)
		n := null.FloatFrom(f)
		n.Valid = valid
		if !n.Valid {
			return nil
		}
		return n.Float64
	case model.TypeString:
		s, _ := v.(string)
		n := null.StringFrom(s)
		n.Valid = valid
		if !n.Valid {
			return nil
		}
		return n.String
	default:
		if !valid {
			return nil
		}
		return v
	}
}

// coerce attempts to convert v to the field's logical type, returning
// ok=false when no lossless conversion is possible under the policy's
// best-effort rules.
func coerce(v any, t model.LogicalType) (any, bool) {
	switch t {
	case model.TypeBool:
		b, ok := v.(bool)
		return b, ok
	case model.TypeI64:
		switch n := v.(type) {
		case float64:
			return int64(n), n == float64(int64(n))
		case int64:
			return n, true
		case int:
			return int64(n), true
		}
		return nil, false
	case model.TypeF64:
		switch n := v.(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		case int:
			return float64(n), true
		}
		return nil, false
	case model.TypeString:
		if s, ok := v.(string); ok {
			return s, true
		}
		return fmt.Sprintf("%v", v), true
	case model.TypeStruct, model.TypeList:
		// Nested values pass through as-is; the destination writer
		// serializes them to JSON text per spec.md §4.C8 type mapping.
		return v, true
	default:
		return v, true
	}
}

// Adapt converts an httpfetch-shaped channel (anything with Row/Err fields)
// into a RowSource. Kept as a free function, not a method, so callers in
// streamfactory and httpfetch don't need to import each other.
func Adapt[T any](in <-chan T, toRowOrErr func(T) RowOrErr) RowSource {
	out := make(chan RowOrErr, cap(in))
	go func() {
		defer close(out)
		for item := range in {
			out <- toRowOrErr(item)
		}
	}()
	return out
}
