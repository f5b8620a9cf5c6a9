package streamfactory

import (
	"errors"
	"testing"

	"apitap/internal/batch"
	"apitap/internal/model"
)

func rowsSource(rows ...model.Row) chan batch.RowOrErr {
	ch := make(chan batch.RowOrErr, len(rows))
	for _, r := range rows {
		ch <- batch.RowOrErr{Row: r}
	}
	close(ch)
	return ch
}

func drainFactory(f Factory) []batch.RowOrErr {
	var out []batch.RowOrErr
	for item := range f() {
		out = append(out, item)
	}
	return out
}

func TestWrapInfersSchemaFromSample(t *testing.T) {
	src := rowsSource(
		model.Row{"n": float64(1)},
		model.Row{"n": float64(2)},
		model.Row{"n": float64(3)},
	)

	factory, schema := Wrap(src, 2, 8)

	f, ok := schema.FieldByName("n")
	if !ok || f.Type != model.TypeI64 {
		t.Fatalf("inferred schema field n = %+v, ok=%v, want i64", f, ok)
	}

	items := drainFactory(factory)
	if len(items) != 3 {
		t.Fatalf("got %d rows replayed, want 3 (all rows, not just the sample)", len(items))
	}
}

func TestFactorySecondInvocationIsEmpty(t *testing.T) {
	src := rowsSource(model.Row{"n": float64(1)})
	factory, _ := Wrap(src, 1, 8)

	first := drainFactory(factory)
	if len(first) != 1 {
		t.Fatalf("first replay got %d rows, want 1", len(first))
	}

	second := drainFactory(factory)
	if len(second) != 0 {
		t.Fatalf("second replay got %d rows, want 0 per spec (single-consumer replay)", len(second))
	}
}

func TestWrapSurfacesSamplingErrorOnFirstReplay(t *testing.T) {
	wantErr := errors.New("boom")
	src := make(chan batch.RowOrErr, 2)
	src <- batch.RowOrErr{Row: model.Row{"n": float64(1)}}
	src <- batch.RowOrErr{Err: wantErr}
	close(src)

	factory, _ := Wrap(src, 5, 8)

	items := drainFactory(factory)
	if len(items) == 0 || items[len(items)-1].Err == nil {
		t.Fatalf("expected the last replayed item to carry the sampling error, got %+v", items)
	}
	if !errors.Is(items[len(items)-1].Err, wantErr) {
		t.Errorf("error = %v, want %v", items[len(items)-1].Err, wantErr)
	}
}

func TestWrapHandlesEmptySource(t *testing.T) {
	src := make(chan batch.RowOrErr)
	close(src)

	factory, schema := Wrap(src, 10, 8)
	if len(schema.Fields) != 0 {
		t.Errorf("got %d schema fields from an empty source, want 0", len(schema.Fields))
	}
	if items := drainFactory(factory); len(items) != 0 {
		t.Errorf("got %d rows, want 0", len(items))
	}
}
