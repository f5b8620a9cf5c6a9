// Command apitap is the ApiTap CLI entrypoint (spec.md §6): it loads a
// YAML configuration and a directory of SQL modules, then runs each
// module's resolved (source, target) pipeline to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"apitap/internal/config"
	"apitap/internal/pipeline"
	"apitap/internal/status"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	modulesDir := flag.String("modules", "", "directory of SQL module files")
	yamlConfig := flag.String("yaml-config", "", "path to the YAML configuration file")
	statusAddr := flag.String("status-addr", "", "optional address to serve the read-only status HTTP surface on (e.g. :9090)")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if *modulesDir == "" || *yamlConfig == "" {
		logger.Error("missing required flags", zap.String("modules", *modulesDir), zap.String("yaml-config", *yamlConfig))
		return exitConfig
	}

	processEnv, err := config.LoadProcessEnv()
	if err != nil {
		logger.Error("loading process environment", zap.Error(err))
		return exitConfig
	}

	cfg, err := config.Load(*yamlConfig, processEnv.WriteBatchRows)
	if err != nil {
		logger.Error("loading configuration", zap.Error(err))
		return exitConfig
	}

	modules, err := loadModules(*modulesDir)
	if err != nil {
		logger.Error("loading sql modules", zap.Error(err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := status.NewTracker()

	if *statusAddr != "" {
		srv := status.NewServer(tracker)
		go func() {
			if err := srv.Run(*statusAddr); err != nil {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	registry := pipeline.NewRegistry(cfg.Sources, cfg.Targets)
	runner := pipeline.NewRunner(registry, pipeline.Settings{
		ChannelBuffer:   processEnv.ChannelBuffer,
		SampleSize:      processEnv.SampleSize,
		BatchSize:       processEnv.BatchSize,
		ResultBatchSize: processEnv.BatchSize,
	}, logger)
	runner.Tracker = tracker

	fatal := false
	for _, mod := range modules {
		select {
		case <-ctx.Done():
			logger.Warn("interrupted before module ran", zap.String("module", mod.Name))
			return exitInterrupt
		default:
		}

		res := runner.RunModule(ctx, mod)
		if res.Err != nil {
			logger.Error("module failed",
				zap.String("module", res.Module),
				zap.Error(res.Err),
			)
			fatal = true
		}
	}

	if fatal {
		return exitRuntime
	}
	return exitOK
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

// loadModules reads every *.sql file directly under dir, using the
// filename (extension stripped) as the module name.
func loadModules(dir string) ([]pipeline.Module, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading modules directory %q: %w", dir, err)
	}

	var modules []pipeline.Module
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".sql")
		mod, err := pipeline.LoadModule(filepath.Join(dir, e.Name()), name)
		if err != nil {
			return nil, err
		}
		modules = append(modules, mod)
	}
	return modules, nil
}
