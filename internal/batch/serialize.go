package batch

import (
	json "github.com/json-iterator/go"
)

// SerializeNested renders a nested struct/list column value to JSON text
// using a pooled buffer, for destination columns mapped to a JSON-capable
// text type (spec.md §4.C8 type mapping: "nested/list→serialized JSON text").
func SerializeNested(v any) (string, error) {
	buf := nestedValuePool.Get()
	defer nestedValuePool.Put(buf)

	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	*buf = append(*buf, data...)
	return string(*buf), nil
}
