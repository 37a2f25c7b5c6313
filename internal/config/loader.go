package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TERMLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TERMLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.RefCollateral, "TERMLEDGER_ENGINE_REF_COLLATERAL")
	setStr(&cfg.Engine.LiquidationIncentive, "TERMLEDGER_ENGINE_LIQUIDATION_INCENTIVE")
	setDuration(&cfg.Engine.AuctionDuration, "TERMLEDGER_ENGINE_AUCTION_DURATION")

	// ── Oracle ──
	setStr(&cfg.Oracle.WsURL, "TERMLEDGER_ORACLE_WS_URL")
	setDuration(&cfg.Oracle.MaxAge, "TERMLEDGER_ORACLE_MAX_AGE")

	// ── Operator ──
	setStr(&cfg.Operator.Address, "TERMLEDGER_OPERATOR_ADDRESS")
	setStr(&cfg.Operator.EncryptedKeyPath, "TERMLEDGER_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "TERMLEDGER_OPERATOR_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TERMLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TERMLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TERMLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TERMLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TERMLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TERMLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TERMLEDGER_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "TERMLEDGER_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "TERMLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TERMLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TERMLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TERMLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TERMLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TERMLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TERMLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TERMLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TERMLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TERMLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TERMLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "TERMLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TERMLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TERMLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TERMLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TERMLEDGER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TERMLEDGER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "TERMLEDGER_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "TERMLEDGER_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "TERMLEDGER_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TERMLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TERMLEDGER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TERMLEDGER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TERMLEDGER_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TERMLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TERMLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TERMLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TERMLEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TERMLEDGER_MODE")
	setStr(&cfg.LogLevel, "TERMLEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
