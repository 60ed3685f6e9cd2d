package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.ScriptTimeout != 2*time.Second {
		t.Errorf("script timeout = %s, want 2s", cfg.Engine.ScriptTimeout)
	}
	if cfg.Engine.MaxOutputBytes != 10<<10 {
		t.Errorf("max output = %d, want 10240", cfg.Engine.MaxOutputBytes)
	}
	if cfg.Engine.ScriptMemoryMB != 256 {
		t.Errorf("script memory = %d, want 256", cfg.Engine.ScriptMemoryMB)
	}
	if cfg.Engine.ScriptCPUSeconds != 10 {
		t.Errorf("script cpu seconds = %d, want 10", cfg.Engine.ScriptCPUSeconds)
	}
	if cfg.Audit.Retention != 10_000 {
		t.Errorf("retention = %d, want 10000", cfg.Audit.Retention)
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("driver = %s, want sqlite", cfg.Storage.StorageDriver())
	}
	if !strings.HasSuffix(cfg.SQLitePath(), "triggerd.db") {
		t.Errorf("sqlite path = %s", cfg.SQLitePath())
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
engine:
  script_timeout: 3s
  max_code_bytes: 8000
audit:
  retention: 500
scheduler:
  retention_schedule: "0 3 * * *"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.ScriptTimeout != 3*time.Second {
		t.Errorf("script timeout = %s, want 3s", cfg.Engine.ScriptTimeout)
	}
	if cfg.Engine.MaxCodeBytes != 8000 {
		t.Errorf("max code bytes = %d, want 8000", cfg.Engine.MaxCodeBytes)
	}
	if cfg.Audit.Retention != 500 {
		t.Errorf("retention = %d, want 500", cfg.Audit.Retention)
	}
	if cfg.Scheduler.SweepSchedule == "" {
		t.Error("sweep schedule default not applied to partially-specified section")
	}
}

func TestLoad_ClampsEngineBounds(t *testing.T) {
	path := writeConfig(t, `
engine:
  script_timeout: 30s
  max_code_bytes: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.ScriptTimeout != 5*time.Second {
		t.Errorf("timeout clamped to %s, want 5s", cfg.Engine.ScriptTimeout)
	}
	if cfg.Engine.MaxCodeBytes != 1000 {
		t.Errorf("max code bytes clamped to %d, want 1000", cfg.Engine.MaxCodeBytes)
	}
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
`)
	if _, err := Load(path); err == nil {
		t.Error("postgres without DSN accepted")
	}
}

func TestLoad_FeedURLValidation(t *testing.T) {
	path := writeConfig(t, `
gateways:
  feed:
    url: "http://not-a-websocket"
`)
	if _, err := Load(path); err == nil {
		t.Error("non-websocket feed URL accepted")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRIGGERD_DATA_DIR", "/var/lib/triggerd")
	t.Setenv("TRIGGERD_DB_DSN", "postgres://u:p@localhost/triggerd")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/triggerd" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.Storage.StorageDriver() != "postgres" {
		t.Errorf("driver = %s, want postgres from env DSN", cfg.Storage.StorageDriver())
	}
	if cfg.Storage.Postgres.DSN == "" {
		t.Error("DSN not applied from env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("missing config file accepted")
	}
}
