// Package config loads the advisor's YAML configuration with environment
// overrides and startup validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfolio/advisor/internal/broker"
	"github.com/quantfolio/advisor/internal/compliance"
	"github.com/quantfolio/advisor/internal/saga"
	"github.com/quantfolio/advisor/internal/workflow"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the shared idempotency store settings. Disabled unless
// an address is set; the orchestrator then uses its in-process store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
}

// PostgresConfig holds the durable audit/saga store settings. Disabled
// unless a DSN is set; recording then stays in memory.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// TaxConfig holds the flat savings rates.
type TaxConfig struct {
	ShortTermRate float64 `yaml:"short_term_rate"`
	LongTermRate  float64 `yaml:"long_term_rate"`
}

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig          `yaml:"server"`
	Saga         saga.Config           `yaml:"saga"`
	Workflow     workflow.Config       `yaml:"workflow"`
	Gate         compliance.GateConfig `yaml:"compliance"`
	Broker       broker.Config         `yaml:"broker"`
	Tax          TaxConfig             `yaml:"tax"`
	Redis        RedisConfig           `yaml:"redis"`
	Postgres     PostgresConfig        `yaml:"postgres"`
	FundFamilies string                `yaml:"fund_families_path"`
}

// Default returns the fully populated default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Saga:     saga.DefaultConfig(),
		Workflow: workflow.DefaultConfig(),
		Gate:     compliance.DefaultGateConfig(),
		Broker:   broker.DefaultConfig(),
		Tax: TaxConfig{
			ShortTermRate: 0.29,
			LongTermRate:  0.15,
		},
		Redis:        RedisConfig{KeyTTL: 24 * time.Hour},
		FundFamilies: "config/fund_families.yaml",
	}
}

// fileConfig is the on-disk schema. Durations are strings parsed with
// time.ParseDuration; pointers distinguish "absent" from an explicit zero
// so the file overlays defaults field by field.
type fileConfig struct {
	Server struct {
		Addr            string `yaml:"addr"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Saga struct {
		MaxConcurrent *int   `yaml:"max_concurrent"`
		StepTimeout   string `yaml:"step_timeout"`
		StreamBuffer  *int   `yaml:"stream_buffer"`
	} `yaml:"saga"`
	Workflow struct {
		MinLossThreshold   *float64 `yaml:"min_loss_threshold"`
		DriftTolerancePP   *float64 `yaml:"drift_tolerance_pp"`
		WashSaleWindowDays *int     `yaml:"wash_sale_window_days"`
		MaxSnapshotAge     string   `yaml:"max_snapshot_age"`
	} `yaml:"workflow"`
	Compliance struct {
		MinCashPct  *float64 `yaml:"min_cash_pct"`
		MaxTradePct *float64 `yaml:"max_trade_pct"`
	} `yaml:"compliance"`
	Broker struct {
		OrdersPerSecond     *float64 `yaml:"orders_per_second"`
		Burst               *int     `yaml:"burst"`
		ConsecutiveFailures *uint32  `yaml:"consecutive_failures"`
		BreakerTimeout      string   `yaml:"breaker_timeout"`
	} `yaml:"broker"`
	Tax struct {
		ShortTermRate *float64 `yaml:"short_term_rate"`
		LongTermRate  *float64 `yaml:"long_term_rate"`
	} `yaml:"tax"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       *int   `yaml:"db"`
		KeyTTL   string `yaml:"key_ttl"`
	} `yaml:"redis"`
	Postgres struct {
		DSN          string `yaml:"dsn"`
		MaxOpenConns *int   `yaml:"max_open_conns"`
		MaxIdleConns *int   `yaml:"max_idle_conns"`
	} `yaml:"postgres"`
	FundFamilies string `yaml:"fund_families_path"`
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults and
// environment stand alone.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			var file fileConfig
			if err := yaml.Unmarshal(data, &file); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := overlay(&cfg, file); err != nil {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg *Config, file fileConfig) error {
	if file.Server.Addr != "" {
		cfg.Server.Addr = file.Server.Addr
	}
	if err := setDuration("server.read_timeout", file.Server.ReadTimeout, &cfg.Server.ReadTimeout); err != nil {
		return err
	}
	if err := setDuration("server.write_timeout", file.Server.WriteTimeout, &cfg.Server.WriteTimeout); err != nil {
		return err
	}
	if err := setDuration("server.shutdown_timeout", file.Server.ShutdownTimeout, &cfg.Server.ShutdownTimeout); err != nil {
		return err
	}

	if file.Saga.MaxConcurrent != nil {
		cfg.Saga.MaxConcurrent = *file.Saga.MaxConcurrent
	}
	if err := setDuration("saga.step_timeout", file.Saga.StepTimeout, &cfg.Saga.StepTimeout); err != nil {
		return err
	}
	if file.Saga.StreamBuffer != nil {
		cfg.Saga.StreamBuffer = *file.Saga.StreamBuffer
	}

	if file.Workflow.MinLossThreshold != nil {
		cfg.Workflow.MinLossThreshold = *file.Workflow.MinLossThreshold
	}
	if file.Workflow.DriftTolerancePP != nil {
		cfg.Workflow.DriftTolerancePP = *file.Workflow.DriftTolerancePP
	}
	if file.Workflow.WashSaleWindowDays != nil {
		cfg.Workflow.WashSaleWindowDays = *file.Workflow.WashSaleWindowDays
	}
	if err := setDuration("workflow.max_snapshot_age", file.Workflow.MaxSnapshotAge, &cfg.Workflow.MaxSnapshotAge); err != nil {
		return err
	}

	if file.Compliance.MinCashPct != nil {
		cfg.Gate.MinCashPct = *file.Compliance.MinCashPct
	}
	if file.Compliance.MaxTradePct != nil {
		cfg.Gate.MaxTradePct = *file.Compliance.MaxTradePct
	}

	if file.Broker.OrdersPerSecond != nil {
		cfg.Broker.OrdersPerSecond = *file.Broker.OrdersPerSecond
	}
	if file.Broker.Burst != nil {
		cfg.Broker.Burst = *file.Broker.Burst
	}
	if file.Broker.ConsecutiveFailures != nil {
		cfg.Broker.ConsecutiveFailures = *file.Broker.ConsecutiveFailures
	}
	if err := setDuration("broker.breaker_timeout", file.Broker.BreakerTimeout, &cfg.Broker.BreakerTimeout); err != nil {
		return err
	}

	if file.Tax.ShortTermRate != nil {
		cfg.Tax.ShortTermRate = *file.Tax.ShortTermRate
	}
	if file.Tax.LongTermRate != nil {
		cfg.Tax.LongTermRate = *file.Tax.LongTermRate
	}

	if file.Redis.Addr != "" {
		cfg.Redis.Addr = file.Redis.Addr
	}
	if file.Redis.Password != "" {
		cfg.Redis.Password = file.Redis.Password
	}
	if file.Redis.DB != nil {
		cfg.Redis.DB = *file.Redis.DB
	}
	if err := setDuration("redis.key_ttl", file.Redis.KeyTTL, &cfg.Redis.KeyTTL); err != nil {
		return err
	}

	if file.Postgres.DSN != "" {
		cfg.Postgres.DSN = file.Postgres.DSN
	}
	if file.Postgres.MaxOpenConns != nil {
		cfg.Postgres.MaxOpenConns = *file.Postgres.MaxOpenConns
	}
	if file.Postgres.MaxIdleConns != nil {
		cfg.Postgres.MaxIdleConns = *file.Postgres.MaxIdleConns
	}

	if file.FundFamilies != "" {
		cfg.FundFamilies = file.FundFamilies
	}
	return nil
}

func setDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADVISOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ADVISOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ADVISOR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ADVISOR_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("ADVISOR_FUND_FAMILIES"); v != "" {
		cfg.FundFamilies = v
	}
}

// Validate rejects configurations that cannot produce a working system.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Saga.MaxConcurrent <= 0 {
		return fmt.Errorf("saga.max_concurrent must be positive, got %d", c.Saga.MaxConcurrent)
	}
	if c.Saga.StepTimeout <= 0 {
		return fmt.Errorf("saga.step_timeout must be positive")
	}
	if c.Gate.MinCashPct < 0 || c.Gate.MinCashPct >= 1 {
		return fmt.Errorf("compliance.min_cash_pct must be in [0,1), got %v", c.Gate.MinCashPct)
	}
	if c.Gate.MaxTradePct <= 0 || c.Gate.MaxTradePct > 1 {
		return fmt.Errorf("compliance.max_trade_pct must be in (0,1], got %v", c.Gate.MaxTradePct)
	}
	if c.Tax.ShortTermRate <= 0 || c.Tax.ShortTermRate >= 1 {
		return fmt.Errorf("tax.short_term_rate must be in (0,1), got %v", c.Tax.ShortTermRate)
	}
	if c.Tax.LongTermRate <= 0 || c.Tax.LongTermRate >= 1 {
		return fmt.Errorf("tax.long_term_rate must be in (0,1), got %v", c.Tax.LongTermRate)
	}
	if c.Workflow.WashSaleWindowDays <= 0 {
		return fmt.Errorf("workflow.wash_sale_window_days must be positive, got %d", c.Workflow.WashSaleWindowDays)
	}
	if c.FundFamilies == "" {
		return fmt.Errorf("fund_families_path must not be empty")
	}
	return nil
}
