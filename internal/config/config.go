// Package config defines the top-level configuration for the settlement engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/oracle"
	"github.com/alanyoungcy/binaryoptions/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BINOPT_* environment variables.
type Config struct {
	Market   MarketConfig   `toml:"market"`
	Oracle   OracleConfig   `toml:"oracle"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// MarketConfig holds the deployment parameters of the ledger.
type MarketConfig struct {
	// AdminIdentity is the 0x-hex identity allowed to initialize the treasury
	// and credit collateral.
	AdminIdentity    string `toml:"admin_identity"`
	RatePerClaimPair uint64 `toml:"rate_per_claim_pair"`
	CustodyNamespace string `toml:"custody_namespace"`
}

// OracleConfig selects the price source and the feed for each asset.
type OracleConfig struct {
	// Source is "hermes" (pull on resolve) or "stream" (websocket into the
	// price cache, resolve reads the cache).
	Source                    string `toml:"source"`
	HermesURL                 string `toml:"hermes_url"`
	HermesWSURL               string `toml:"hermes_ws_url"`
	StalenessThresholdSeconds int    `toml:"staleness_threshold_seconds"`
	FeedIDBTC                 string `toml:"feed_id_btc"`
	FeedIDSOL                 string `toml:"feed_id_sol"`
	FeedIDETH                 string `toml:"feed_id_eth"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // memory | postgres
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the process
// uses in-memory caches, a local event bus and a local replay guard.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
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

// ArchiveConfig controls the settlement snapshot job.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
}

// KeeperConfig controls the background resolver. The operator key only
// supplies the identity recorded as the resolving caller.
type KeeperConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    duration `toml:"interval"`
	PrivateKey  string   `toml:"private_key"`
	KeyfilePath string   `toml:"keyfile_path"`
	KeyPassword string   `toml:"key_password"`
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
	CORSOrigins []string `toml:"cors_origins"`
	MaxSkew     duration `toml:"max_skew"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
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
		Market: MarketConfig{
			RatePerClaimPair: 100_000,
			CustodyNamespace: "binopt-custody",
		},
		Oracle: OracleConfig{
			Source:                    "hermes",
			HermesURL:                 "https://hermes.pyth.network",
			HermesWSURL:               "wss://hermes.pyth.network/ws",
			StalenessThresholdSeconds: int(oracle.DefaultStaleness / time.Second),
			FeedIDBTC:                 oracle.FeedBTCUSD,
			FeedIDSOL:                 oracle.FeedSOLUSD,
			FeedIDETH:                 oracle.FeedETHUSD,
		},
		Store: StoreConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "binopt",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "binopt-settlements",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Cron:    "0 * * * *",
		},
		Keeper: KeeperConfig{
			Enabled:  false,
			Interval: duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			MaxSkew:     duration{5 * time.Minute},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{string(domain.EventMarketResolved)},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"oracle": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, oracle, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if c.Market.AdminIdentity == "" {
		errs = append(errs, "market: admin_identity must be set")
	} else if _, err := domain.ParseIdentity(c.Market.AdminIdentity); err != nil {
		errs = append(errs, fmt.Sprintf("market: admin_identity: %v", err))
	}
	if c.Market.RatePerClaimPair == 0 {
		errs = append(errs, "market: rate_per_claim_pair must be > 0")
	}
	if strings.TrimSpace(c.Market.CustodyNamespace) == "" {
		errs = append(errs, "market: custody_namespace must not be empty")
	}

	// Oracle
	switch c.Oracle.Source {
	case "hermes":
		if c.Oracle.HermesURL == "" {
			errs = append(errs, "oracle: hermes_url must not be empty for source hermes")
		}
	case "stream":
		if c.Oracle.HermesWSURL == "" {
			errs = append(errs, "oracle: hermes_ws_url must not be empty for source stream")
		}
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: hermes, stream)", c.Oracle.Source))
	}
	if c.Oracle.StalenessThresholdSeconds <= 0 {
		errs = append(errs, "oracle: staleness_threshold_seconds must be > 0")
	}
	for name, id := range map[string]string{
		"feed_id_btc": c.Oracle.FeedIDBTC,
		"feed_id_sol": c.Oracle.FeedIDSOL,
		"feed_id_eth": c.Oracle.FeedIDETH,
	} {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "oracle: "+name+" must not be empty")
		}
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, postgres)", c.Store.Backend))
	}

	// A stream source in a multi-process deployment only reaches the resolver
	// through a shared cache.
	if c.Oracle.Source == "stream" && mode != "full" && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled when oracle.source is stream outside mode full")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if err := pipeline.ValidateCron(c.Archive.Cron); err != nil {
			errs = append(errs, "archive: "+err.Error())
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
	}

	// Keeper; mode keeper always runs it.
	if c.Keeper.Enabled || mode == "keeper" {
		if c.Keeper.PrivateKey == "" && c.Keeper.KeyfilePath == "" {
			errs = append(errs, "keeper: either private_key or keyfile_path must be set")
		}
		if c.Keeper.KeyfilePath != "" && c.Keeper.KeyPassword == "" {
			errs = append(errs, "keeper: key_password is required when keyfile_path is set")
		}
		if c.Keeper.Interval.Duration < time.Second {
			errs = append(errs, "keeper: interval must be >= 1s")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.MaxSkew.Duration <= 0 {
			errs = append(errs, "server: max_skew must be > 0")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Staleness returns the oracle staleness threshold as a duration.
func (c OracleConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessThresholdSeconds) * time.Second
}

// Feeds returns the configured feed id per asset.
func (c OracleConfig) Feeds() map[domain.Asset]string {
	return map[domain.Asset]string{
		domain.AssetBTC: c.FeedIDBTC,
		domain.AssetSOL: c.FeedIDSOL,
		domain.AssetETH: c.FeedIDETH,
	}
}
