package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultHost is the default listen host.
	DefaultHost = "0.0.0.0"

	// DefaultPort is the default listen port.
	DefaultPort = 1234
)

// Store drivers.
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverMongoDB = "mongodb"
	DriverRedis   = "redis"
	DriverS3      = "s3"
)

var (
	// ErrUnknownDriver is returned for a store driver that is not supported.
	ErrUnknownDriver = errors.New("config: unknown store driver")

	// ErrMissingSetting is returned when a driver lacks a required setting.
	ErrMissingSetting = errors.New("config: missing setting")
)

// Config is the complete docsync server configuration.
type Config struct {
	// Host is the listen host.
	Host string `env:"HOST"`

	// Port is the listen port.
	Port int `env:"PORT"`

	// GC discards the content of deleted text.
	GC bool `env:"GC"`

	// AllowedOrigins restricts WebSocket origins. Empty allows all.
	AllowedOrigins []string `env:"DOCSYNC_ALLOWED_ORIGINS" envSeparator:","`

	// Metrics serves Prometheus metrics on /metrics.
	Metrics bool `env:"DOCSYNC_METRICS"`

	Log      LogConfig
	Document DocumentConfig
	Store    StoreConfig
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `env:"DOCSYNC_LOG_LEVEL"`

	// Format is text or json.
	Format string `env:"DOCSYNC_LOG_FORMAT"`
}

// DocumentConfig holds document session settings.
type DocumentConfig struct {
	PersistenceRequired bool          `env:"DOCSYNC_PERSISTENCE_REQUIRED"`
	Heartbeat           time.Duration `env:"DOCSYNC_HEARTBEAT"`
	AwarenessTimeout    time.Duration `env:"DOCSYNC_AWARENESS_TIMEOUT"`
	FlushTimeout        time.Duration `env:"DOCSYNC_FLUSH_TIMEOUT"`
	ShutdownTimeout     time.Duration `env:"DOCSYNC_SHUTDOWN_TIMEOUT"`
	SendQueueSize       int           `env:"DOCSYNC_SEND_QUEUE_SIZE"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	// Driver is one of memory, sqlite, mongodb, redis, s3. When empty it is
	// mongodb if a MongoDB URL is set and memory otherwise.
	Driver string `env:"DOCSYNC_STORE"`

	// FlushSize is the log length above which a document is compacted on load.
	FlushSize int `env:"DOCSYNC_FLUSH_SIZE"`

	// ConnectTimeout bounds the retried initial connect.
	ConnectTimeout time.Duration `env:"DOCSYNC_STORE_CONNECT_TIMEOUT"`

	SQLite  SQLiteConfig
	MongoDB MongoDBConfig
	Redis   RedisConfig
	S3      S3Config
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `env:"DOCSYNC_SQLITE_PATH"`
}

// MongoDBConfig configures the MongoDB store.
type MongoDBConfig struct {
	URL                   string `env:"MONGODB_URL"`
	Database              string `env:"MONGODB_DB"`
	Collection            string `env:"MONGODB_COLLECTION"`
	CollectionPerDocument bool   `env:"DOCSYNC_MONGODB_COLLECTION_PER_DOCUMENT"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	URL    string `env:"REDIS_URL"`
	Prefix string `env:"DOCSYNC_REDIS_PREFIX"`
}

// S3Config configures the S3 store.
type S3Config struct {
	Bucket          string `env:"DOCSYNC_S3_BUCKET"`
	Prefix          string `env:"DOCSYNC_S3_PREFIX"`
	Region          string `env:"AWS_REGION"`
	Endpoint        string `env:"DOCSYNC_S3_ENDPOINT"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `env:"DOCSYNC_S3_PATH_STYLE"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host: DefaultHost,
		Port: DefaultPort,
		GC:   true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Document: DocumentConfig{
			PersistenceRequired: true,
			Heartbeat:           30 * time.Second,
			AwarenessTimeout:    30 * time.Second,
			FlushTimeout:        30 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			SendQueueSize:       1024,
		},
		Store: StoreConfig{
			FlushSize:      50,
			ConnectTimeout: time.Minute,
			SQLite:         SQLiteConfig{Path: "docsync.db"},
			MongoDB:        MongoDBConfig{Database: "docsync", Collection: "docs"},
			Redis:          RedisConfig{Prefix: "docsync:"},
			S3:             S3Config{Prefix: "docs/"},
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path (if path is
// not empty) and then with environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Address returns the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		if c.Store.MongoDB.URL != "" {
			c.Store.Driver = DriverMongoDB
		} else {
			c.Store.Driver = DriverMemory
		}
	}
	if c.Store.Driver == "mongo" {
		c.Store.Driver = DriverMongoDB
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	c.normalize()

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Document.Heartbeat < 0 {
		return fmt.Errorf("config: negative heartbeat %v", c.Document.Heartbeat)
	}
	if c.Document.SendQueueSize < 1 {
		return fmt.Errorf("config: send queue size %d must be positive", c.Document.SendQueueSize)
	}

	s := c.Store
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("%w: sqlite path", ErrMissingSetting)
		}
	case DriverMongoDB:
		if s.MongoDB.URL == "" {
			return fmt.Errorf("%w: MONGODB_URL", ErrMissingSetting)
		}
		if s.MongoDB.Database == "" {
			return fmt.Errorf("%w: MONGODB_DB", ErrMissingSetting)
		}
		if s.MongoDB.Collection == "" && !s.MongoDB.CollectionPerDocument {
			return fmt.Errorf("%w: MONGODB_COLLECTION", ErrMissingSetting)
		}
	case DriverRedis:
		if s.Redis.URL == "" {
			return fmt.Errorf("%w: REDIS_URL", ErrMissingSetting)
		}
	case DriverS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("%w: s3 bucket", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, s.Driver)
	}
	return nil
}
