package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("environment = %s, want prod", cfg.Environment)
	}
	if cfg.Engine.MaxConcurrentOrders != 10 {
		t.Fatalf("maxConcurrentOrders = %d, want 10", cfg.Engine.MaxConcurrentOrders)
	}
	if cfg.Engine.RetryBackoffDuration() != 100*time.Millisecond {
		t.Fatalf("retryBackoff = %v, want 100ms", cfg.Engine.RetryBackoffDuration())
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("database driver = %s, want memory", cfg.Database.Driver)
	}
	if !cfg.Database.MigrateEnabled() {
		t.Fatal("migrations disabled by default")
	}
	if !cfg.Telemetry.MetricsEnabled() {
		t.Fatal("metrics disabled by default")
	}
}

func TestLoadFailsOnUnreadableConfigFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions do not apply to root")
	}
	path := writeConfig(t, "environment: dev\n")
	if err := os.Chmod(path, 0o000); err != nil {
		t.Fatalf("chmod config: %v", err)
	}

	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected error for unreadable config file, got defaults")
	}
}

func TestConfigNotFoundDetection(t *testing.T) {
	if isConfigNotFoundError(nil) {
		t.Fatal("nil error reported as not-found")
	}
	notExist := fmt.Errorf("open app config: %w", os.ErrNotExist)
	if !isConfigNotFoundError(notExist) {
		t.Fatalf("wrapped not-exist error not detected: %v", notExist)
	}
	// Only a missing file falls back to defaults.
	denied := fmt.Errorf("open app config: %w", os.ErrPermission)
	if isConfigNotFoundError(denied) {
		t.Fatalf("permission error misreported as not-found: %v", denied)
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: dev
engine:
  maxConcurrentOrders: 3
  orderRateLimit: 7
  retryBackoff: 250ms
strategy:
  mode: script
  scriptPath: strategies/route.js
database:
  driver: postgres
  dsn: postgres://localhost:5432/orderflow
  migrate: false
apiServer:
  addr: ":9000"
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("environment = %s, want dev", cfg.Environment)
	}
	if cfg.Engine.MaxConcurrentOrders != 3 {
		t.Fatalf("maxConcurrentOrders = %d, want 3", cfg.Engine.MaxConcurrentOrders)
	}
	if cfg.Engine.OrderRateLimit != 7 {
		t.Fatalf("orderRateLimit = %d, want 7", cfg.Engine.OrderRateLimit)
	}
	if cfg.Engine.RetryBackoffDuration() != 250*time.Millisecond {
		t.Fatalf("retryBackoff = %v, want 250ms", cfg.Engine.RetryBackoffDuration())
	}
	// Unset keys keep their defaults.
	if cfg.Engine.RetryMaxAttempts != 3 {
		t.Fatalf("retryMaxAttempts = %d, want default 3", cfg.Engine.RetryMaxAttempts)
	}
	if cfg.Hub.BufferSize != 16 {
		t.Fatalf("hub bufferSize = %d, want default 16", cfg.Hub.BufferSize)
	}
	if cfg.Strategy.Mode != "script" || cfg.Strategy.ScriptPath != "strategies/route.js" {
		t.Fatalf("strategy = %+v", cfg.Strategy)
	}
	if cfg.Database.MigrateEnabled() {
		t.Fatal("migrate: false not honoured")
	}
	if cfg.APIServer.Addr != ":9000" {
		t.Fatalf("addr = %s, want :9000", cfg.APIServer.Addr)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
environment: dev
apiServer:
  addr: ":9000"
`)
	t.Setenv("ORDERFLOW_ENV", "staging")
	t.Setenv("ORDERFLOW_ADDR", ":7000")
	t.Setenv("ORDERFLOW_DB_DSN", "postgres://db:5432/orders")
	t.Setenv("ORDERFLOW_MAX_CONCURRENT", "25")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %s, want staging", cfg.Environment)
	}
	if cfg.APIServer.Addr != ":7000" {
		t.Fatalf("addr = %s, want :7000", cfg.APIServer.Addr)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://db:5432/orders" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Engine.MaxConcurrentOrders != 25 {
		t.Fatalf("maxConcurrentOrders = %d, want 25", cfg.Engine.MaxConcurrentOrders)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad environment",
			body: "environment: qa\n",
			want: "environment",
		},
		{
			name: "script mode without path",
			body: "strategy:\n  mode: script\n",
			want: "scriptPath",
		},
		{
			name: "postgres without dsn",
			body: "database:\n  driver: postgres\n",
			want: "dsn",
		},
		{
			name: "unknown driver",
			body: "database:\n  driver: flatfile\n",
			want: "driver",
		},
		{
			name: "failure rate out of range",
			body: "strategy:\n  simulator:\n    failureRate: 1.5\n",
			want: "failureRate",
		},
		{
			name: "bad backoff",
			body: "engine:\n  retryBackoff: soon\n",
			want: "retryBackoff",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			_, err := Load(context.Background(), path)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSimulatorDurationFallbacks(t *testing.T) {
	var sim SimulatorConfig
	if sim.MinDelayDuration() != 5*time.Millisecond {
		t.Fatalf("min delay fallback = %v", sim.MinDelayDuration())
	}
	if sim.MaxDelayDuration() != 50*time.Millisecond {
		t.Fatalf("max delay fallback = %v", sim.MaxDelayDuration())
	}
	sim.MinDelay = "1s"
	sim.MaxDelay = "2s"
	if sim.MinDelayDuration() != time.Second || sim.MaxDelayDuration() != 2*time.Second {
		t.Fatalf("parsed delays = %v/%v", sim.MinDelayDuration(), sim.MaxDelayDuration())
	}
}
