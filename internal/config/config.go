// Package config loads the ApiTap YAML configuration (spec.md §6) and
// resolves environment-backed credentials, following the same
// load-.env-then-os.Getenv posture the teacher's main.go uses for its
// real-database connection.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"apitap/internal/model"
)

// yamlPaginationSpec mirrors the `pagination:` block in spec.md §6; the
// Kind-specific fields are all optional strings/ints so one struct can
// parse any of the four variants.
type yamlPaginationSpec struct {
	Kind           string `yaml:"kind"`
	LimitParam     string `yaml:"limit_param"`
	OffsetParam    string `yaml:"offset_param"`
	PageParam      string `yaml:"page_param"`
	PerPageParam   string `yaml:"per_page_param"`
	CursorParam    string `yaml:"cursor_param"`
	PageSizeParam  string `yaml:"page_size_param"`
	NextCursorPath string `yaml:"next_cursor_path"`
	TotalPath      string `yaml:"total_path"`
	PageSize       int    `yaml:"page_size"`
}

type yamlRetry struct {
	MaxAttempts int `yaml:"max_attempts"`
	MinDelayMs  int `yaml:"min_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

type yamlSource struct {
	Name                 string              `yaml:"name"`
	URL                  string              `yaml:"url"`
	DataPath             string              `yaml:"data_path"`
	TableDestinationName string              `yaml:"table_destination_name"`
	Pagination           yamlPaginationSpec  `yaml:"pagination"`
	Retry                yamlRetry           `yaml:"retry"`
	Concurrency          int                 `yaml:"concurrency"`
	RateLimitPerSecond   float64             `yaml:"rate_limit_per_second"`
}

type yamlAuth struct {
	Username    string `yaml:"username"`
	UsernameEnv string `yaml:"username_env"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

type yamlTarget struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Database  string   `yaml:"database"`
	Auth      yamlAuth `yaml:"auth"`
	MergeKey  string   `yaml:"merge_key"`
	WriteMode string   `yaml:"write_mode"`
	BatchRows int      `yaml:"batch_rows"`
}

type yamlFile struct {
	Sources []yamlSource `yaml:"sources"`
	Targets []yamlTarget `yaml:"targets"`
}

// Config is the resolved, validated configuration for a pipeline run.
type Config struct {
	Sources []model.SourceSpec
	Targets map[string]model.Target
}

// ProcessEnv holds the small set of process-wide knobs that aren't part of
// the YAML config file, parsed from the environment with caarlos0/env the
// way taibuivan-yomira's settings package does.
type ProcessEnv struct {
	ChannelBuffer  int `env:"APITAP_CHANNEL_BUFFER" envDefault:"8192"`
	SampleSize     int `env:"APITAP_SAMPLE_SIZE" envDefault:"100"`
	BatchSize      int `env:"APITAP_BATCH_SIZE" envDefault:"256"`
	WriteBatchRows int `env:"APITAP_WRITE_BATCH_ROWS" envDefault:"5000"`
}

// LoadProcessEnv parses ProcessEnv from the current environment.
func LoadProcessEnv() (ProcessEnv, error) {
	var pe ProcessEnv
	if err := env.Parse(&pe); err != nil {
		return ProcessEnv{}, fmt.Errorf("%w: parsing process env: %w", model.ErrConfigInvalid, err)
	}
	return pe, nil
}

// Load reads and validates the YAML configuration at path, loading a local
// .env file first (if present) so *_env references can resolve.
// defaultBatchRows fills in a target's batch_rows when the YAML omits it
// (normally ProcessEnv.WriteBatchRows).
func Load(path string, defaultBatchRows int) (Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is not fatal; env vars may already be exported.
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading config file %q: %w", model.ErrConfigInvalid, path, err)
	}

	var doc yamlFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: parsing yaml: %w", model.ErrConfigInvalid, err)
	}

	cfg, err := resolve(doc, defaultBatchRows)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(doc yamlFile, defaultBatchRows int) (Config, error) {
	cfg := Config{Targets: make(map[string]model.Target, len(doc.Targets))}

	for _, t := range doc.Targets {
		target, err := resolveTarget(t, defaultBatchRows)
		if err != nil {
			return Config{}, err
		}
		cfg.Targets[target.Name] = target
	}

	for _, s := range doc.Sources {
		src, err := resolveSource(s)
		if err != nil {
			return Config{}, err
		}
		cfg.Sources = append(cfg.Sources, src)
	}

	return cfg, nil
}

func resolveTarget(t yamlTarget, defaultBatchRows int) (model.Target, error) {
	if t.Name == "" {
		return model.Target{}, fmt.Errorf("%w: target missing name", model.ErrConfigInvalid)
	}
	if t.Type == "" {
		return model.Target{}, fmt.Errorf("%w: target %q missing type", model.ErrConfigInvalid, t.Name)
	}

	auth, err := resolveAuth(t.Name, t.Auth)
	if err != nil {
		return model.Target{}, err
	}

	batchRows := t.BatchRows
	if batchRows <= 0 {
		batchRows = defaultBatchRows
	}
	if batchRows <= 0 {
		batchRows = 5000
	}

	var writeMode model.WriteMode
	switch t.WriteMode {
	case "":
		// inferred by the runner: Merge when MergeKey is set, else Append.
	case string(model.WriteAppend), string(model.WriteReplace), string(model.WriteMerge):
		writeMode = model.WriteMode(t.WriteMode)
	default:
		return model.Target{}, fmt.Errorf("%w: target %q: unknown write_mode %q",
			model.ErrConfigInvalid, t.Name, t.WriteMode)
	}
	if writeMode == model.WriteMerge && t.MergeKey == "" {
		return model.Target{}, fmt.Errorf("%w: target %q: write_mode merge requires merge_key",
			model.ErrConfigInvalid, t.Name)
	}

	return model.Target{
		Name:      t.Name,
		Kind:      t.Type,
		WriteMode: writeMode,
		Host:      t.Host,
		Port:      t.Port,
		Database:  t.Database,
		Auth:      auth,
		MergeKey:  t.MergeKey,
		BatchRows: batchRows,
	}, nil
}

func resolveAuth(targetName string, a yamlAuth) (model.Auth, error) {
	out := model.Auth{Username: a.Username, Password: a.Password}

	if a.UsernameEnv != "" {
		v, err := resolveEnv(targetName, "username_env", a.UsernameEnv)
		if err != nil {
			return model.Auth{}, err
		}
		out.Username = v
	}
	if a.PasswordEnv != "" {
		v, err := resolveEnv(targetName, "password_env", a.PasswordEnv)
		if err != nil {
			return model.Auth{}, err
		}
		out.Password = v
	}
	return out, nil
}

func resolveEnv(targetName, field, envName string) (string, error) {
	v := os.Getenv(envName)
	if v == "" {
		return "", fmt.Errorf("%w: target %q: environment variable %q (from %s) is unset or empty",
			model.ErrConfigInvalid, targetName, envName, field)
	}
	return v, nil
}

func resolveSource(s yamlSource) (model.SourceSpec, error) {
	if s.Name == "" || s.URL == "" {
		return model.SourceSpec{}, fmt.Errorf("%w: source missing name or url", model.ErrConfigInvalid)
	}

	pag, err := resolvePagination(s.Name, s.Pagination)
	if err != nil {
		return model.SourceSpec{}, err
	}

	retry := model.DefaultRetry()
	if s.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = s.Retry.MaxAttempts
	}
	if s.Retry.MinDelayMs > 0 {
		retry.MinDelay = msDuration(s.Retry.MinDelayMs)
	}
	if s.Retry.MaxDelayMs > 0 {
		retry.MaxDelay = msDuration(s.Retry.MaxDelayMs)
	}

	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return model.SourceSpec{
		Name:               s.Name,
		BaseURL:            s.URL,
		Pagination:         pag,
		DataPath:           s.DataPath,
		DestinationTable:   s.TableDestinationName,
		Retry:              retry,
		Concurrency:        concurrency,
		RateLimitPerSecond: s.RateLimitPerSecond,
	}, nil
}

func resolvePagination(sourceName string, p yamlPaginationSpec) (model.PaginationSpec, error) {
	spec := model.PaginationSpec{
		LimitParam:     p.LimitParam,
		OffsetParam:    p.OffsetParam,
		PageParam:      p.PageParam,
		PerPageParam:   p.PerPageParam,
		CursorParam:    p.CursorParam,
		PageSizeParam:  p.PageSizeParam,
		NextCursorPath: p.NextCursorPath,
		TotalPath:      p.TotalPath,
		PageSize:       p.PageSize,
	}

	switch model.PaginationKind(p.Kind) {
	case model.PaginationLimitOffset:
		spec.Kind = model.PaginationLimitOffset
		if spec.LimitParam == "" || spec.OffsetParam == "" {
			return model.PaginationSpec{}, fmt.Errorf("%w: source %q: limit_offset pagination requires limit_param and offset_param",
				model.ErrConfigInvalid, sourceName)
		}
	case model.PaginationPageNumber:
		spec.Kind = model.PaginationPageNumber
		if spec.PageParam == "" {
			return model.PaginationSpec{}, fmt.Errorf("%w: source %q: page_number pagination requires page_param",
				model.ErrConfigInvalid, sourceName)
		}
	case model.PaginationPageOnly:
		spec.Kind = model.PaginationPageOnly
		if spec.PageParam == "" {
			return model.PaginationSpec{}, fmt.Errorf("%w: source %q: page_only pagination requires page_param",
				model.ErrConfigInvalid, sourceName)
		}
	case model.PaginationCursor:
		spec.Kind = model.PaginationCursor
		if spec.CursorParam == "" || spec.NextCursorPath == "" {
			return model.PaginationSpec{}, fmt.Errorf("%w: source %q: cursor pagination requires cursor_param and next_cursor_path",
				model.ErrConfigInvalid, sourceName)
		}
	default:
		return model.PaginationSpec{}, fmt.Errorf("%w: source %q: unknown pagination kind %q",
			model.ErrConfigInvalid, sourceName, p.Kind)
	}

	return spec, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
