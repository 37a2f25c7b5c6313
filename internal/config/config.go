// Package config defines the top-level configuration for the term ledger
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TERMLEDGER_* environment variables.
type Config struct {
	Engine      EngineConfig       `toml:"engine"`
	Collaterals []CollateralConfig `toml:"collaterals"`
	Series      []SeriesConfig     `toml:"series"`
	Oracle      OracleConfig       `toml:"oracle"`
	Operator    OperatorConfig     `toml:"operator"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Archive     ArchiveConfig      `toml:"archive"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// EngineConfig holds core ledger parameters. Wad-valued fields are decimal
// strings ("2.5" means 2.5e18) so precision is never lost to float parsing.
type EngineConfig struct {
	// RefCollateral is the collateral code auctions and settlement sweep into.
	RefCollateral string `toml:"ref_collateral"`
	// LiquidationIncentive is the flat collateral reward paid to whoever
	// triggers a liquidation, as a wad decimal string.
	LiquidationIncentive string   `toml:"liquidation_incentive"`
	AuctionDuration      duration `toml:"auction_duration"`
}

// CollateralConfig registers one collateral kind with the engine at startup.
type CollateralConfig struct {
	Code string `toml:"code"`
	// Kind is "plain" or "savings".
	Kind string `toml:"kind"`
	// Dust is the minimum viable position size, as a wad decimal string.
	Dust string `toml:"dust"`
}

// SeriesConfig registers one fixed-maturity debt series at startup.
type SeriesConfig struct {
	// Maturity is an RFC 3339 timestamp.
	Maturity time.Time `toml:"maturity"`
	// Token is the symbol of the series debt token.
	Token string `toml:"token"`
}

// OracleConfig holds price/accumulator feed parameters.
type OracleConfig struct {
	WsURL string `toml:"ws_url"`
	// MaxAge bounds how stale a cached quote may be before the engine falls
	// back to the last in-process value.
	MaxAge duration `toml:"max_age"`
}

// OperatorConfig holds the settlement operator credentials. The operator is
// the only address allowed to trigger shutdown and sweep residual profit.
type OperatorConfig struct {
	Address          string `toml:"address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds parameters for the auction/audit archival job.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	BatchSize     int      `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			RefCollateral:        "WETH",
			LiquidationIncentive: "0",
			AuctionDuration:      duration{time.Hour},
		},
		Oracle: OracleConfig{
			MaxAge: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "termledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "termledger-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
			BatchSize:     500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"liquidation_started", "auction_bought_out", "shutdown", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine": true,
	"feed":   true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validCollateralKinds enumerates the accepted values for CollateralConfig.Kind.
var validCollateralKinds = map[string]bool{
	"plain":   true,
	"savings": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, feed, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.RefCollateral == "" {
		errs = append(errs, "engine: ref_collateral must not be empty")
	}
	if c.Engine.AuctionDuration.Duration <= 0 {
		errs = append(errs, "engine: auction_duration must be > 0")
	}

	// Collaterals
	runsEngine := c.Mode == "engine" || c.Mode == "full"
	if runsEngine && len(c.Collaterals) == 0 {
		errs = append(errs, "collaterals: at least one collateral must be configured for mode "+c.Mode)
	}
	seenCollateral := map[string]bool{}
	refFound := false
	for i, col := range c.Collaterals {
		if col.Code == "" {
			errs = append(errs, fmt.Sprintf("collaterals[%d]: code must not be empty", i))
			continue
		}
		if seenCollateral[col.Code] {
			errs = append(errs, fmt.Sprintf("collaterals[%d]: duplicate code %q", i, col.Code))
		}
		seenCollateral[col.Code] = true
		if col.Code == c.Engine.RefCollateral {
			refFound = true
		}
		if !validCollateralKinds[strings.ToLower(col.Kind)] {
			errs = append(errs, fmt.Sprintf("collaterals[%d]: kind must be plain or savings, got %q", i, col.Kind))
		}
	}
	if runsEngine && len(c.Collaterals) > 0 && !refFound {
		errs = append(errs, fmt.Sprintf("engine: ref_collateral %q is not among the configured collaterals", c.Engine.RefCollateral))
	}

	// Series
	seenMaturity := map[int64]bool{}
	for i, s := range c.Series {
		if s.Maturity.IsZero() {
			errs = append(errs, fmt.Sprintf("series[%d]: maturity must be set", i))
			continue
		}
		if seenMaturity[s.Maturity.Unix()] {
			errs = append(errs, fmt.Sprintf("series[%d]: duplicate maturity %s", i, s.Maturity.Format(time.RFC3339)))
		}
		seenMaturity[s.Maturity.Unix()] = true
		if s.Token == "" {
			errs = append(errs, fmt.Sprintf("series[%d]: token must not be empty", i))
		}
	}

	// The feed URL is mandatory when a feed runs.
	if c.Mode == "feed" || c.Mode == "full" {
		if c.Oracle.WsURL == "" {
			errs = append(errs, "oracle: ws_url is required for mode "+c.Mode)
		}
	}
	if c.Oracle.MaxAge.Duration <= 0 {
		errs = append(errs, "oracle: max_age must be > 0")
	}

	// Operator
	if runsEngine {
		if c.Operator.Address == "" && c.Operator.EncryptedKeyPath == "" {
			errs = append(errs, "operator: either address or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
			errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 settings are only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
