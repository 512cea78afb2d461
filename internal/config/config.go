// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

// Known environments.
const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// EngineConfig tunes admission and retry behaviour of the dispatch engine.
type EngineConfig struct {
	MaxConcurrentOrders int    `yaml:"maxConcurrentOrders"`
	OrderRateLimit      int    `yaml:"orderRateLimit"`
	OrderBurst          int    `yaml:"orderBurst"`
	RetryMaxAttempts    int    `yaml:"retryMaxAttempts"`
	RetryBackoff        string `yaml:"retryBackoff"`
}

// RetryBackoffDuration parses the configured backoff, falling back to 100ms.
func (c EngineConfig) RetryBackoffDuration() time.Duration {
	if dur, err := time.ParseDuration(strings.TrimSpace(c.RetryBackoff)); err == nil && dur > 0 {
		return dur
	}
	return 100 * time.Millisecond
}

// HubConfig sets status fan-out sizing characteristics.
type HubConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// StrategyConfig selects and tunes the execution strategy.
type StrategyConfig struct {
	// Mode is "simulated" or "script".
	Mode       string          `yaml:"mode"`
	ScriptPath string          `yaml:"scriptPath"`
	Simulator  SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig tunes the simulated venue router.
type SimulatorConfig struct {
	MinDelay    string  `yaml:"minDelay"`
	MaxDelay    string  `yaml:"maxDelay"`
	FailureRate float64 `yaml:"failureRate"`
	BasePrice   string  `yaml:"basePrice"`
	Seed        int64   `yaml:"seed"`
}

// MinDelayDuration parses the configured minimum delay, falling back to 5ms.
func (c SimulatorConfig) MinDelayDuration() time.Duration {
	if dur, err := time.ParseDuration(strings.TrimSpace(c.MinDelay)); err == nil && dur > 0 {
		return dur
	}
	return 5 * time.Millisecond
}

// MaxDelayDuration parses the configured maximum delay, falling back to 50ms.
func (c SimulatorConfig) MaxDelayDuration() time.Duration {
	if dur, err := time.ParseDuration(strings.TrimSpace(c.MaxDelay)); err == nil && dur > 0 {
		return dur
	}
	return 50 * time.Millisecond
}

// DatabaseConfig selects the order store backend.
type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Migrate *bool  `yaml:"migrate"`
}

// MigrateEnabled reports whether schema migrations run at startup. Unset
// defaults to true.
func (c DatabaseConfig) MigrateEnabled() bool {
	return c.Migrate == nil || *c.Migrate
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics *bool  `yaml:"enableMetrics"`
}

// MetricsEnabled reports whether OTLP metrics export is on. Unset defaults to
// true.
func (c TelemetryConfig) MetricsEnabled() bool {
	return c.EnableMetrics == nil || *c.EnableMetrics
}

// AppConfig is the unified orderflow application configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Engine      EngineConfig    `yaml:"engine"`
	Hub         HubConfig       `yaml:"hub"`
	Strategy    StrategyConfig  `yaml:"strategy"`
	Database    DatabaseConfig  `yaml:"database"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Load builds the configuration with precedence: defaults → YAML → env vars.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	yamlErr := cfg.loadYAML(ctx, configPath)
	if yamlErr != nil && !isConfigNotFoundError(yamlErr) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", yamlErr)
	}

	cfg.loadEnv()

	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// isConfigNotFoundError distinguishes a genuinely absent config file, which
// falls back to defaults, from other open failures such as permission
// errors, which must fail loading.
func isConfigNotFoundError(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Engine: EngineConfig{
			MaxConcurrentOrders: 10,
			OrderRateLimit:      50,
			OrderBurst:          1,
			RetryMaxAttempts:    3,
			RetryBackoff:        "100ms",
		},
		Hub: HubConfig{
			BufferSize:    16,
			FanoutWorkers: 4,
		},
		Strategy: StrategyConfig{
			Mode: "simulated",
			Simulator: SimulatorConfig{
				MinDelay:    "5ms",
				MaxDelay:    "50ms",
				FailureRate: 0.1,
				BasePrice:   "100",
			},
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		APIServer: APIServerConfig{
			Addr: ":8880",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "orderflow",
		},
	}
}

func (c *AppConfig) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("ORDERFLOW_CONFIG")
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var overlay AppConfig
	if err := yaml.Unmarshal(bytes, &overlay); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	c.merge(overlay)
	return nil
}

// merge applies non-zero overlay values on top of the current configuration.
func (c *AppConfig) merge(o AppConfig) {
	if o.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(o.Environment))))
	}
	if o.Engine.MaxConcurrentOrders > 0 {
		c.Engine.MaxConcurrentOrders = o.Engine.MaxConcurrentOrders
	}
	if o.Engine.OrderRateLimit > 0 {
		c.Engine.OrderRateLimit = o.Engine.OrderRateLimit
	}
	if o.Engine.OrderBurst > 0 {
		c.Engine.OrderBurst = o.Engine.OrderBurst
	}
	if o.Engine.RetryMaxAttempts > 0 {
		c.Engine.RetryMaxAttempts = o.Engine.RetryMaxAttempts
	}
	if strings.TrimSpace(o.Engine.RetryBackoff) != "" {
		c.Engine.RetryBackoff = o.Engine.RetryBackoff
	}
	if o.Hub.BufferSize > 0 {
		c.Hub.BufferSize = o.Hub.BufferSize
	}
	if o.Hub.FanoutWorkers > 0 {
		c.Hub.FanoutWorkers = o.Hub.FanoutWorkers
	}
	if strings.TrimSpace(o.Strategy.Mode) != "" {
		c.Strategy.Mode = strings.ToLower(strings.TrimSpace(o.Strategy.Mode))
	}
	if strings.TrimSpace(o.Strategy.ScriptPath) != "" {
		c.Strategy.ScriptPath = o.Strategy.ScriptPath
	}
	if strings.TrimSpace(o.Strategy.Simulator.MinDelay) != "" {
		c.Strategy.Simulator.MinDelay = o.Strategy.Simulator.MinDelay
	}
	if strings.TrimSpace(o.Strategy.Simulator.MaxDelay) != "" {
		c.Strategy.Simulator.MaxDelay = o.Strategy.Simulator.MaxDelay
	}
	if o.Strategy.Simulator.FailureRate > 0 {
		c.Strategy.Simulator.FailureRate = o.Strategy.Simulator.FailureRate
	}
	if strings.TrimSpace(o.Strategy.Simulator.BasePrice) != "" {
		c.Strategy.Simulator.BasePrice = o.Strategy.Simulator.BasePrice
	}
	if o.Strategy.Simulator.Seed != 0 {
		c.Strategy.Simulator.Seed = o.Strategy.Simulator.Seed
	}
	if strings.TrimSpace(o.Database.Driver) != "" {
		c.Database.Driver = strings.ToLower(strings.TrimSpace(o.Database.Driver))
	}
	if strings.TrimSpace(o.Database.DSN) != "" {
		c.Database.DSN = o.Database.DSN
	}
	if o.Database.Migrate != nil {
		c.Database.Migrate = o.Database.Migrate
	}
	if strings.TrimSpace(o.APIServer.Addr) != "" {
		c.APIServer.Addr = o.APIServer.Addr
	}
	if strings.TrimSpace(o.Telemetry.OTLPEndpoint) != "" {
		c.Telemetry.OTLPEndpoint = o.Telemetry.OTLPEndpoint
	}
	if strings.TrimSpace(o.Telemetry.ServiceName) != "" {
		c.Telemetry.ServiceName = o.Telemetry.ServiceName
	}
	if o.Telemetry.OTLPInsecure {
		c.Telemetry.OTLPInsecure = true
	}
	if o.Telemetry.EnableMetrics != nil {
		c.Telemetry.EnableMetrics = o.Telemetry.EnableMetrics
	}
}

func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("ORDERFLOW_ENV")); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("ORDERFLOW_DB_DSN")); v != "" {
		c.Database.DSN = v
		c.Database.Driver = "postgres"
	}
	if v := strings.TrimSpace(os.Getenv("ORDERFLOW_ADDR")); v != "" {
		c.APIServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("ORDERFLOW_MAX_CONCURRENT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxConcurrentOrders = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate performs semantic validation on the final configuration.
func (c *AppConfig) Validate(ctx context.Context) error {
	_ = ctx

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Engine.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("engine maxConcurrentOrders must be > 0")
	}
	if c.Engine.OrderRateLimit <= 0 {
		return fmt.Errorf("engine orderRateLimit must be > 0")
	}
	if c.Engine.OrderBurst <= 0 {
		c.Engine.OrderBurst = 1
	}
	if c.Engine.RetryMaxAttempts <= 0 {
		return fmt.Errorf("engine retryMaxAttempts must be > 0")
	}
	if backoff := strings.TrimSpace(c.Engine.RetryBackoff); backoff != "" {
		if dur, err := time.ParseDuration(backoff); err != nil || dur <= 0 {
			return fmt.Errorf("engine retryBackoff must be a positive duration")
		}
	}

	if c.Hub.BufferSize <= 0 {
		return fmt.Errorf("hub bufferSize must be > 0")
	}
	if c.Hub.FanoutWorkers <= 0 {
		c.Hub.FanoutWorkers = 4
	}

	switch strings.ToLower(strings.TrimSpace(c.Strategy.Mode)) {
	case "simulated":
	case "script":
		if strings.TrimSpace(c.Strategy.ScriptPath) == "" {
			return fmt.Errorf("strategy scriptPath required in script mode")
		}
	default:
		return fmt.Errorf("strategy mode must be simulated or script")
	}
	if c.Strategy.Simulator.FailureRate < 0 || c.Strategy.Simulator.FailureRate > 1 {
		return fmt.Errorf("strategy simulator failureRate must be in [0, 1]")
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("database driver must be memory or postgres")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		c.APIServer.Addr = ":8880"
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "orderflow"
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	addCandidate("config/app.yaml")
	addCandidate("config/app.example.yaml")

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are operator controlled.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
