// Package pipeline wires a rendered SQL module to its resolved (source,
// target) pair and drives one end-to-end run: fetch, transform, load
// (spec.md §4.C9).
package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"apitap/internal/destwriter"
	"apitap/internal/engine"
	"apitap/internal/httpfetch"
	"apitap/internal/model"
	"apitap/internal/pagewriter"
	"apitap/internal/pagination"
	"apitap/internal/sqltemplate"
	"apitap/internal/tablename"
)

// Module is one SQL transform file discovered under the --modules
// directory, named by its base filename with the extension stripped.
type Module struct {
	Name string
	Path string
	Raw  string
}

// LoadModule reads a single SQL module file from disk.
func LoadModule(path, name string) (Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Module{}, fmt.Errorf("%w: reading sql module %q: %w", model.ErrConfigInvalid, path, err)
	}
	return Module{Name: name, Path: path, Raw: string(raw)}, nil
}

// Registry resolves SourceSpec and Target by name, normally backed by the
// slices decoded from the YAML configuration (spec.md §6).
type Registry struct {
	Sources map[string]model.SourceSpec
	Targets map[string]model.Target
}

// NewRegistry indexes config-decoded sources by name and adopts the
// already name-keyed targets map from config.Config.
func NewRegistry(sources []model.SourceSpec, targets map[string]model.Target) *Registry {
	r := &Registry{Sources: make(map[string]model.SourceSpec, len(sources)), Targets: targets}
	for _, s := range sources {
		r.Sources[s.Name] = s
	}
	return r
}

// Settings bundles the process-level tuning knobs threaded through to
// every stage (spec.md §6 ProcessEnv-equivalents): channel buffer, schema
// sample size, ingest/result batch sizes.
type Settings struct {
	ChannelBuffer   int
	SampleSize      int
	BatchSize       int
	ResultBatchSize int
}

// StatusTracker receives each module's outcome for the optional status
// HTTP surface (internal/status) to report; nil is a valid Runner.Tracker
// when that surface isn't running.
type StatusTracker interface {
	Record(module string, stats model.FetchStats, err error)
}

// Runner executes SQL modules against their resolved (source, target) pair,
// one at a time, propagating the first fatal error (spec.md §4.C9
// "propagate fatal errors upward").
type Runner struct {
	Registry *Registry
	Settings Settings
	Logger   *zap.Logger
	Tracker  StatusTracker
}

// NewRunner builds a Runner over a Registry and Settings.
func NewRunner(registry *Registry, settings Settings, logger *zap.Logger) *Runner {
	return &Runner{Registry: registry, Settings: settings, Logger: logger}
}

// Result reports one module's outcome.
type Result struct {
	Module string
	Stats  model.FetchStats
	Err    error
}

// RunModule resolves mod's single source and its sink() target, fetches
// and paginates that source, fuses the stream through the page-writer into
// the engine, executes mod's SQL, and loads the result into the target.
//
// Only single-source modules are supported: spec.md's use_source(...)
// helper names one table per call, and the reference pipeline runs one
// source per module (multi-source joins are a capability of the embedded
// engine once more than one table is registered, not a pipeline-runner
// concern).
func (r *Runner) RunModule(ctx context.Context, mod Module) Result {
	res := Result{Module: mod.Name}
	defer func() {
		if r.Tracker != nil {
			r.Tracker.Record(mod.Name, res.Stats, res.Err)
		}
	}()

	sourceNames := sqltemplate.SourcesReferenced(mod.Raw)
	if len(sourceNames) != 1 {
		res.Err = fmt.Errorf("%w: module %q must reference exactly one use_source(...), found %d", model.ErrConfigInvalid, mod.Name, len(sourceNames))
		return res
	}
	src, ok := r.Registry.Sources[sourceNames[0]]
	if !ok {
		res.Err = fmt.Errorf("%w: module %q references unknown source %q", model.ErrConfigInvalid, mod.Name, sourceNames[0])
		return res
	}

	eng, err := engine.Open()
	if err != nil {
		res.Err = err
		return res
	}
	defer eng.Close()

	engineTableName := tablename.ForPipelineRun(sourceNames[0])
	rendered, err := sqltemplate.Render(mod.Raw, map[string]string{sourceNames[0]: engineTableName})
	if err != nil {
		res.Err = err
		return res
	}

	target, ok := r.Registry.Targets[rendered.SinkName]
	if !ok {
		res.Err = fmt.Errorf("%w: module %q declares sink(name=%q) which is not a configured target", model.ErrConfigInvalid, mod.Name, rendered.SinkName)
		return res
	}

	dest, err := newDestWriter(ctx, target)
	if err != nil {
		res.Err = err
		return res
	}
	defer dest.Close(ctx)

	client := httpfetch.NewClient(r.Logger)
	driver := pagination.NewDriver(client)
	rows, stats := driver.Run(ctx, src)

	writer := pagewriter.New(eng, dest)
	writeMode := target.WriteMode
	if writeMode == "" {
		writeMode = model.WriteAppend
		if target.MergeKey != "" {
			writeMode = model.WriteMerge
		}
	}

	runErr := writer.Run(ctx, engineTableName, rows, rendered.SQL, src.DestinationTable, writeMode, target.MergeKey,
		r.Settings.SampleSize, r.Settings.ChannelBuffer, r.Settings.BatchSize, r.Settings.ResultBatchSize)

	res.Stats = *stats
	res.Err = runErr

	if r.Logger != nil {
		r.Logger.Info("module finished",
			zap.String("module", mod.Name),
			zap.Int("pages_fetched", stats.PagesFetched),
			zap.Int("rows_emitted", stats.RowsEmitted),
			zap.Int("errors", stats.Errors),
			zap.Error(runErr),
		)
	}

	return res
}

func newDestWriter(ctx context.Context, target model.Target) (destwriter.Writer, error) {
	switch target.Kind {
	case "postgres":
		dsn := postgresDSN(target)
		return destwriter.NewPostgresWriter(ctx, dsn, target.BatchRows)
	case "mysql":
		dsn := mysqlDSN(target)
		return destwriter.NewMySQLWriter(dsn, target.BatchRows)
	default:
		return nil, fmt.Errorf("%w: unsupported target kind %q", model.ErrConfigInvalid, target.Kind)
	}
}

func postgresDSN(t model.Target) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", t.Auth.Username, t.Auth.Password, t.Host, t.Port, t.Database)
}

func mysqlDSN(t model.Target) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", t.Auth.Username, t.Auth.Password, t.Host, t.Port, t.Database)
}
