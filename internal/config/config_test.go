package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"apitap/internal/model"
)

const validYAML = `
sources:
  - name: orders
    url: https://api.example.com/orders
    data_path: /items
    table_destination_name: orders
    concurrency: 2
    pagination:
      kind: limit_offset
      limit_param: limit
      offset_param: offset
      page_size: 100
targets:
  - name: warehouse
    type: postgres
    host: db.internal
    port: 5432
    database: analytics
    merge_key: id
    auth:
      username: admin
      password_env: APITAP_TEST_PASSWORD
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadResolvesSourcesAndTargets(t *testing.T) {
	t.Setenv("APITAP_TEST_PASSWORD", "secret")
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(cfg.Sources))
	}
	src := cfg.Sources[0]
	if src.Name != "orders" || src.Pagination.Kind != model.PaginationLimitOffset {
		t.Errorf("source = %+v, want name=orders kind=limit_offset", src)
	}
	if src.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", src.Concurrency)
	}

	target, ok := cfg.Targets["warehouse"]
	if !ok {
		t.Fatal("target warehouse not found")
	}
	if target.Auth.Password != "secret" {
		t.Errorf("resolved password = %q, want %q (from APITAP_TEST_PASSWORD)", target.Auth.Password, "secret")
	}
	if target.MergeKey != "id" {
		t.Errorf("merge key = %q, want %q", target.MergeKey, "id")
	}
}

func TestLoadMissingPasswordEnvIsAnError(t *testing.T) {
	os.Unsetenv("APITAP_TEST_PASSWORD")
	path := writeTempConfig(t, validYAML)

	_, err := Load(path, 0)
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadUnknownPaginationKind(t *testing.T) {
	t.Setenv("APITAP_TEST_PASSWORD", "secret")
	yamlDoc := `
sources:
  - name: orders
    url: https://api.example.com/orders
    pagination:
      kind: bogus
targets: []
`
	path := writeTempConfig(t, yamlDoc)
	_, err := Load(path, 0)
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadResolvesExplicitWriteMode(t *testing.T) {
	t.Setenv("APITAP_TEST_PASSWORD", "secret")
	yamlDoc := `
sources: []
targets:
  - name: warehouse
    type: postgres
    write_mode: replace
    auth:
      username: admin
      password_env: APITAP_TEST_PASSWORD
`
	path := writeTempConfig(t, yamlDoc)
	cfg, err := Load(path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Targets["warehouse"].WriteMode != model.WriteReplace {
		t.Errorf("WriteMode = %q, want %q", cfg.Targets["warehouse"].WriteMode, model.WriteReplace)
	}
}

func TestLoadRejectsUnknownWriteMode(t *testing.T) {
	t.Setenv("APITAP_TEST_PASSWORD", "secret")
	yamlDoc := `
sources: []
targets:
  - name: warehouse
    type: postgres
    write_mode: bogus
    auth:
      username: admin
      password_env: APITAP_TEST_PASSWORD
`
	path := writeTempConfig(t, yamlDoc)
	_, err := Load(path, 0)
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadRejectsMergeWriteModeWithoutMergeKey(t *testing.T) {
	t.Setenv("APITAP_TEST_PASSWORD", "secret")
	yamlDoc := `
sources: []
targets:
  - name: warehouse
    type: postgres
    write_mode: merge
    auth:
      username: admin
      password_env: APITAP_TEST_PASSWORD
`
	path := writeTempConfig(t, yamlDoc)
	_, err := Load(path, 0)
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadAppliesDefaultBatchRowsWhenTargetOmitsIt(t *testing.T) {
	t.Setenv("APITAP_TEST_PASSWORD", "secret")
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path, 1234)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Targets["warehouse"].BatchRows; got != 1234 {
		t.Errorf("BatchRows = %d, want 1234 (the supplied default)", got)
	}
}

func TestLoadMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), 0)
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadProcessEnvDefaults(t *testing.T) {
	os.Unsetenv("APITAP_CHANNEL_BUFFER")
	os.Unsetenv("APITAP_SAMPLE_SIZE")
	os.Unsetenv("APITAP_BATCH_SIZE")
	os.Unsetenv("APITAP_WRITE_BATCH_ROWS")

	pe, err := LoadProcessEnv()
	if err != nil {
		t.Fatalf("LoadProcessEnv: %v", err)
	}
	if pe.ChannelBuffer != 8192 || pe.SampleSize != 100 || pe.BatchSize != 256 || pe.WriteBatchRows != 5000 {
		t.Errorf("ProcessEnv defaults = %+v, want {8192 100 256 5000}", pe)
	}
}
