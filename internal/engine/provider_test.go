package engine

import (
	"context"
	"testing"

	"apitap/internal/batch"
	"apitap/internal/model"
	"apitap/internal/streamfactory"
)

func factoryOf(rows ...model.Row) (streamfactory.Factory, model.Schema) {
	ch := make(chan batch.RowOrErr, len(rows))
	for _, r := range rows {
		ch <- batch.RowOrErr{Row: r}
	}
	close(ch)
	return streamfactory.Wrap(ch, len(rows), 16)
}

func TestRegisterTableAndExecute(t *testing.T) {
	ctx := context.Background()
	eng, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	factory, schema := factoryOf(
		model.Row{"id": float64(1), "name": "a"},
		model.Row{"id": float64(2), "name": "b"},
	)

	table, err := eng.RegisterTable(ctx, "src_t", schema, factory, 100)
	if err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	batches, errs := eng.Execute(ctx, `SELECT id, name FROM "src_t" ORDER BY id`, 100)

	var rows []*model.Batch
	for b := range batches {
		rows = append(rows, b)
	}
	if err := <-errs; err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(rows) != 1 || rows[0].Rows != 2 {
		t.Fatalf("got %d batches, want one batch of 2 rows", len(rows))
	}

	ids, ok := rows[0].ColumnByName("id")
	if !ok {
		t.Fatal("result schema missing id column")
	}
	if ids[0].(int64) != 1 || ids[1].(int64) != 2 {
		t.Errorf("ids = %v, want [1 2]", ids)
	}

	if err := table.Deregister(ctx); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	// Executing against the now-dropped table must error.
	_, errs2 := eng.Execute(ctx, `SELECT * FROM "src_t"`, 100)
	if err := <-errs2; err == nil {
		t.Error("expected an error querying a deregistered table")
	}
}

func TestRegisterTableRejectsEmptySchema(t *testing.T) {
	eng, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	factory, _ := factoryOf()
	_, err = eng.RegisterTable(context.Background(), "empty", model.Schema{}, factory, 100)
	if err == nil {
		t.Error("expected an error registering a table with no columns")
	}
}

func TestExecuteBatchesRowsByResultBatchSize(t *testing.T) {
	ctx := context.Background()
	eng, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	rows := make([]model.Row, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, model.Row{"n": float64(i)})
	}
	factory, schema := factoryOf(rows...)
	if _, err := eng.RegisterTable(ctx, "nums", schema, factory, 100); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	batches, errs := eng.Execute(ctx, `SELECT n FROM "nums" ORDER BY n`, 2)
	var total, batchCount int
	for b := range batches {
		batchCount++
		total += b.Rows
	}
	if err := <-errs; err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if total != 5 {
		t.Errorf("total rows = %d, want 5", total)
	}
	if batchCount != 3 {
		t.Errorf("batch count = %d, want 3 (2+2+1)", batchCount)
	}
}
