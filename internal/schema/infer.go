// Package schema infers a typed columnar Schema from a bounded prefix of
// sample rows (spec.md §4.C2), widening types across samples the same way
// the teacher's ticketsV2 repository infers column metadata from a LIMIT 1
// probe query, generalized here to JSON rows instead of SQL rows.
package schema

import (
	"sort"

	"apitap/internal/model"
)

// fieldObservation accumulates what has been seen for one field name across
// the sample prefix, preserving first-appearance order.
type fieldObservation struct {
	order    int
	seen     model.LogicalType
	nullable bool
	// nested holds the widened element/field schema for list/struct fields.
	elem   *fieldObservation
	fields map[string]*fieldObservation
	fieldOrder []string
}

// Infer computes the widest consistent Schema across up to k rows of the
// given sample. Field order is the order fields first appear; missing
// fields across samples make the field nullable; type disagreements widen
// per the tie-break rules in spec.md §4.C2.
func Infer(sample []model.Row, k int) model.Schema {
	if k > 0 && k < len(sample) {
		sample = sample[:k]
	}

	obs := map[string]*fieldObservation{}
	var order []string

	for _, row := range sample {
		present := make(map[string]bool, len(row))
		for name, v := range row {
			present[name] = true
			o, ok := obs[name]
			if !ok {
				o = &fieldObservation{order: len(order)}
				obs[name] = o
				order = append(order, name)
			}
			widenValue(o, v)
		}
		// Any field seen in a prior row but absent here becomes nullable.
		for name, o := range obs {
			if !present[name] {
				o.nullable = true
			}
		}
	}

	sort.Slice(order, func(i, j int) bool { return obs[order[i]].order < obs[order[j]].order })

	schema := model.Schema{}
	for _, name := range order {
		schema.Fields = append(schema.Fields, toField(name, obs[name]))
	}
	return schema
}

func widenValue(o *fieldObservation, v any) {
	if v == nil {
		o.nullable = true
		return
	}

	switch val := v.(type) {
	case bool:
		widenType(o, model.TypeBool)
	case float64:
		if val == float64(int64(val)) {
			widenType(o, model.TypeI64)
		} else {
			widenType(o, model.TypeF64)
		}
	case int, int32, int64:
		widenType(o, model.TypeI64)
	case string:
		widenType(o, model.TypeString)
	case map[string]any:
		widenType(o, model.TypeStruct)
		if o.fields == nil {
			o.fields = map[string]*fieldObservation{}
		}
		present := make(map[string]bool, len(val))
		for name, sub := range val {
			present[name] = true
			child, ok := o.fields[name]
			if !ok {
				child = &fieldObservation{order: len(o.fieldOrder)}
				o.fields[name] = child
				o.fieldOrder = append(o.fieldOrder, name)
			}
			widenValue(child, sub)
		}
		for name, child := range o.fields {
			if !present[name] {
				child.nullable = true
			}
		}
	case []any:
		widenType(o, model.TypeList)
		if len(val) == 0 {
			// Empty arrays infer list<null> (nullable element), per §4.C2.
			if o.elem == nil {
				o.elem = &fieldObservation{nullable: true}
			}
			return
		}
		if o.elem == nil {
			o.elem = &fieldObservation{}
		}
		for _, el := range val {
			widenValue(o.elem, el)
		}
	default:
		widenType(o, model.TypeString)
	}
}

// widenType applies the tie-break lattice from spec.md §4.C2:
// i64⊔f64=f64, bool⊔number=number (widened), anything involving string
// disagreement collapses to string.
func widenType(o *fieldObservation, t model.LogicalType) {
	if o.seen == model.TypeUnknown {
		o.seen = t
		return
	}
	if o.seen == t {
		return
	}

	switch {
	case isNumeric(o.seen) && isNumeric(t):
		o.seen = model.TypeF64
	case o.seen == model.TypeBool && isNumeric(t):
		o.seen = t
	case isNumeric(o.seen) && t == model.TypeBool:
		// keep the numeric type, widened bool side
	default:
		o.seen = model.TypeString
	}
}

func isNumeric(t model.LogicalType) bool {
	return t == model.TypeI64 || t == model.TypeF64
}

func toField(name string, o *fieldObservation) model.Field {
	f := model.Field{Name: name, Type: o.seen, Nullable: o.nullable}
	if f.Type == model.TypeUnknown {
		f.Type = model.TypeString
		f.Nullable = true
	}

	switch f.Type {
	case model.TypeList:
		elem := model.Field{Name: "", Type: model.TypeString, Nullable: true}
		if o.elem != nil {
			elem = toField("", o.elem)
		}
		f.Elem = &elem
	case model.TypeStruct:
		sort.Slice(o.fieldOrder, func(i, j int) bool {
			return o.fields[o.fieldOrder[i]].order < o.fields[o.fieldOrder[j]].order
		})
		for _, sub := range o.fieldOrder {
			f.Fields = append(f.Fields, toField(sub, o.fields[sub]))
		}
	}
	return f
}
