// Package config loads hub configuration from the environment, an optional
// .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/fabblink/pkg/logger"
)

// FileEnv names the environment variable pointing at a YAML overlay.
const FileEnv = "FABBLINK_CONFIG"

// Config is the complete runtime configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Redis      RedisConfig          `yaml:"redis"`
	NATS       NATSConfig           `yaml:"nats"`
	Chain      ChainConfig          `yaml:"chain"`
	Auth       AuthConfig           `yaml:"auth"`
	Settlement SettlementConfig     `yaml:"settlement"`
	Reconcile  ReconcileConfig      `yaml:"reconcile"`
	Logging    logger.LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `env:"FABBLINK_ADDR,default=:8080" yaml:"addr"`
	AllowedOrigins  []string      `env:"FABBLINK_CORS_ORIGINS" yaml:"allowed_origins"`
	ReadTimeout     time.Duration `env:"FABBLINK_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"FABBLINK_WRITE_TIMEOUT,default=60s" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `env:"FABBLINK_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
	AuditFile       string        `env:"FABBLINK_AUDIT_FILE" yaml:"audit_file"`
	AuditSize       int           `env:"FABBLINK_AUDIT_SIZE,default=200" yaml:"audit_size"`
}

type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `env:"DATABASE_DRIVER,default=memory" yaml:"driver"`
	DSN             string        `env:"DATABASE_URL" yaml:"dsn"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=10" yaml:"max_open_conns"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m" yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `env:"DATABASE_MIGRATE_ON_START,default=true" yaml:"migrate_on_start"`
}

type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR" yaml:"addr"`
	Password  string `env:"REDIS_PASSWORD" yaml:"password"`
	DB        int    `env:"REDIS_DB,default=0" yaml:"db"`
	CursorKey string `env:"REDIS_CURSOR_KEY,default=fabblink:intake:cursor" yaml:"cursor_key"`
}

type NATSConfig struct {
	URL           string `env:"NATS_URL" yaml:"url"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX,default=fabblink" yaml:"subject_prefix"`
}

type ChainConfig struct {
	RPCURL    string `env:"NEO_RPC_URL" yaml:"rpc_url"`
	NetworkID uint32 `env:"NEO_NETWORK_ID,default=894710606" yaml:"network_id"`
	// HubAccount receives deposits. With the chain watcher enabled it is the
	// hub's Neo address.
	HubAccount    string        `env:"FABBLINK_HUB_ACCOUNT,default=fabblink.hub" yaml:"hub_account"`
	HubKey        string        `env:"FABBLINK_HUB_KEY" yaml:"hub_key"`
	Watch         bool          `env:"FABBLINK_WATCH_CHAIN,default=false" yaml:"watch"`
	WatchInterval time.Duration `env:"FABBLINK_WATCH_INTERVAL,default=15s" yaml:"watch_interval"`
}

type AuthConfig struct {
	JWTSecret string  `env:"FABBLINK_JWT_SECRET" yaml:"jwt_secret"`
	Issuer    string  `env:"FABBLINK_JWT_ISSUER" yaml:"issuer"`
	RateLimit float64 `env:"FABBLINK_RATE_LIMIT,default=20" yaml:"rate_limit"`
	RateBurst int     `env:"FABBLINK_RATE_BURST,default=40" yaml:"rate_burst"`
}

// Settlement modes.
const (
	SettlementMemory = "memory"
	SettlementHTTP   = "http"
	SettlementNeo    = "neo"
)

type SettlementConfig struct {
	Mode    string        `env:"SETTLEMENT_MODE,default=memory" yaml:"mode"`
	URL     string        `env:"SETTLEMENT_URL" yaml:"url"`
	Path    string        `env:"SETTLEMENT_PATH,default=/payouts" yaml:"path"`
	Token   string        `env:"SETTLEMENT_TOKEN" yaml:"token"`
	Timeout time.Duration `env:"SETTLEMENT_TIMEOUT,default=30s" yaml:"timeout"`
}

type ReconcileConfig struct {
	// Schedule is a cron spec, or "off".
	Schedule string `env:"RECONCILE_SCHEDULE,default=@every 5m" yaml:"schedule"`
}

// Load reads .env (if present), decodes the environment, applies the YAML
// file named by FABBLINK_CONFIG and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(os.Getenv(FileEnv))
}

// LoadFrom decodes the environment and overlays path when it is not empty.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Settlement.Mode = strings.ToLower(strings.TrimSpace(c.Settlement.Mode))
	c.Chain.HubAccount = strings.TrimSpace(c.Chain.HubAccount)
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Settlement.Mode == "" {
		c.Settlement.Mode = SettlementMemory
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (FABBLINK_JWT_SECRET) is required"))
	}
	if c.Chain.HubAccount == "" {
		errs = append(errs, errors.New("chain.hub_account is required"))
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn (DATABASE_URL) is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Settlement.Mode {
	case SettlementMemory:
	case SettlementHTTP:
		if c.Settlement.URL == "" {
			errs = append(errs, errors.New("settlement.url is required for http settlement"))
		}
	case SettlementNeo:
		if c.Chain.RPCURL == "" || c.Chain.HubKey == "" {
			errs = append(errs, errors.New("chain.rpc_url and chain.hub_key are required for neo settlement"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported settlement mode %q", c.Settlement.Mode))
	}

	if c.Chain.Watch && c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required to watch the chain"))
	}
	return errors.Join(errs...)
}
