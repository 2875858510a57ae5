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
// built-in defaults, applies BINOPT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BINOPT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// such as keeper keys are expected to arrive this way.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.AdminIdentity, "BINOPT_MARKET_ADMIN_IDENTITY")
	setUint64(&cfg.Market.RatePerClaimPair, "BINOPT_MARKET_RATE_PER_CLAIM_PAIR")
	setStr(&cfg.Market.CustodyNamespace, "BINOPT_MARKET_CUSTODY_NAMESPACE")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "BINOPT_ORACLE_SOURCE")
	setStr(&cfg.Oracle.HermesURL, "BINOPT_ORACLE_HERMES_URL")
	setStr(&cfg.Oracle.HermesWSURL, "BINOPT_ORACLE_HERMES_WS_URL")
	setInt(&cfg.Oracle.StalenessThresholdSeconds, "BINOPT_ORACLE_STALENESS_THRESHOLD_SECONDS")
	setStr(&cfg.Oracle.FeedIDBTC, "BINOPT_ORACLE_FEED_ID_BTC")
	setStr(&cfg.Oracle.FeedIDSOL, "BINOPT_ORACLE_FEED_ID_SOL")
	setStr(&cfg.Oracle.FeedIDETH, "BINOPT_ORACLE_FEED_ID_ETH")

	// ── Store ──
	setStr(&cfg.Store.Backend, "BINOPT_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BINOPT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BINOPT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BINOPT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BINOPT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BINOPT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BINOPT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BINOPT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BINOPT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BINOPT_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "BINOPT_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "BINOPT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BINOPT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BINOPT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BINOPT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BINOPT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BINOPT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BINOPT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BINOPT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BINOPT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BINOPT_S3_REGION")
	setStr(&cfg.S3.Bucket, "BINOPT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BINOPT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BINOPT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BINOPT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BINOPT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BINOPT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "BINOPT_ARCHIVE_CRON")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "BINOPT_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "BINOPT_KEEPER_INTERVAL")
	setStr(&cfg.Keeper.PrivateKey, "BINOPT_KEEPER_PRIVATE_KEY")
	setStr(&cfg.Keeper.KeyfilePath, "BINOPT_KEEPER_KEYFILE_PATH")
	setStr(&cfg.Keeper.KeyPassword, "BINOPT_KEEPER_KEY_PASSWORD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BINOPT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BINOPT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BINOPT_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.MaxSkew, "BINOPT_SERVER_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "BINOPT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BINOPT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BINOPT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BINOPT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BINOPT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BINOPT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BINOPT_MODE")
	setStr(&cfg.LogLevel, "BINOPT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present, non-empty and parses.
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
