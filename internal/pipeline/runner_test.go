package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"apitap/internal/model"
)

func TestLoadModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.sql")
	if err := os.WriteFile(path, []byte(`select 1`), 0o644); err != nil {
		t.Fatalf("writing module: %v", err)
	}

	mod, err := LoadModule(path, "orders")
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if mod.Name != "orders" || mod.Raw != "select 1" {
		t.Errorf("got %+v", mod)
	}
}

func TestLoadModuleMissingFile(t *testing.T) {
	_, err := LoadModule("/does/not/exist.sql", "x")
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestNewRegistryIndexesSourcesByName(t *testing.T) {
	sources := []model.SourceSpec{{Name: "orders"}, {Name: "customers"}}
	targets := map[string]model.Target{"warehouse": {Name: "warehouse"}}

	r := NewRegistry(sources, targets)
	if _, ok := r.Sources["orders"]; !ok {
		t.Error("expected source orders to be indexed")
	}
	if _, ok := r.Sources["customers"]; !ok {
		t.Error("expected source customers to be indexed")
	}
	if len(r.Targets) != 1 {
		t.Errorf("got %d targets, want 1", len(r.Targets))
	}
}

func TestRunModuleRejectsMultiSourceModules(t *testing.T) {
	registry := NewRegistry(nil, nil)
	r := NewRunner(registry, Settings{}, nil)

	mod := Module{Name: "join", Raw: `select * from use_source("a"), use_source("b") sink(name="w")`}
	res := r.RunModule(context.Background(), mod)
	if !errors.Is(res.Err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", res.Err)
	}
}

func TestRunModuleRejectsUnknownSource(t *testing.T) {
	registry := NewRegistry(nil, nil)
	r := NewRunner(registry, Settings{}, nil)

	mod := Module{Name: "m", Raw: `select * from use_source("missing") sink(name="w")`}
	res := r.RunModule(context.Background(), mod)
	if !errors.Is(res.Err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", res.Err)
	}
}

func TestRunModuleRejectsUnknownSink(t *testing.T) {
	sources := []model.SourceSpec{{
		Name:       "orders",
		BaseURL:    "http://127.0.0.1:0",
		Pagination: model.PaginationSpec{Kind: model.PaginationPageOnly, PageParam: "page"},
	}}
	registry := NewRegistry(sources, map[string]model.Target{})
	r := NewRunner(registry, Settings{}, nil)

	mod := Module{Name: "m", Raw: `select * from use_source("orders") sink(name="missing")`}
	res := r.RunModule(context.Background(), mod)
	if !errors.Is(res.Err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", res.Err)
	}
}

type recordingTracker struct {
	module string
	stats  model.FetchStats
	err    error
}

func (rt *recordingTracker) Record(module string, stats model.FetchStats, err error) {
	rt.module = module
	rt.stats = stats
	rt.err = err
}

func TestRunModuleUnsupportedTargetKind(t *testing.T) {
	sources := []model.SourceSpec{{
		Name:       "orders",
		BaseURL:    "http://127.0.0.1:0",
		Pagination: model.PaginationSpec{Kind: model.PaginationPageOnly, PageParam: "page"},
	}}
	targets := map[string]model.Target{"w": {Name: "w", Kind: "bogus"}}
	registry := NewRegistry(sources, targets)
	r := NewRunner(registry, Settings{}, nil)
	tracker := &recordingTracker{}
	r.Tracker = tracker

	mod := Module{Name: "m", Raw: `select * from use_source("orders") sink(name="w")`}
	res := r.RunModule(context.Background(), mod)
	if !errors.Is(res.Err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", res.Err)
	}
	if tracker.module != "m" || tracker.err == nil {
		t.Errorf("tracker was not recorded with the failure: %+v", tracker)
	}
}
