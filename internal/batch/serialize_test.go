package batch

import "testing"

func TestSerializeNested(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "map", in: map[string]any{"a": float64(1)}, want: `{"a":1}`},
		{name: "list", in: []any{float64(1), float64(2)}, want: `[1,2]`},
		{name: "nil", in: nil, want: "null"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SerializeNested(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSerializeNestedReusesBufferSafely(t *testing.T) {
	a, err := SerializeNested(map[string]any{"a": float64(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := SerializeNested([]any{float64(9)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != `{"a":1}` {
		t.Errorf("first call result changed after second call: got %q", a)
	}
	if b != `[9]` {
		t.Errorf("second call result = %q, want [9]", b)
	}
}
