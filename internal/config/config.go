package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Load reads a TOML config file and fills in defaults for unset values.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config for the in-memory backend with all defaults set.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

type Config struct {
	Log        LogConfig        `toml:"log"`
	Store      StoreConfig      `toml:"store"`
	Economy    EconomyConfig    `toml:"economy"`
	Pagination PaginationConfig `toml:"pagination"`
	Missions   MissionsConfig   `toml:"missions"`
	Archive    ArchiveConfig    `toml:"archive"`
}

type LogConfig struct {
	Level      slog.Level `toml:"level"`
	Format     string     `toml:"format"`
	AddSource  bool       `toml:"add_source"`
	File       string     `toml:"file"`
	MaxSizeMB  int        `toml:"max_size_mb"`
	MaxBackups int        `toml:"max_backups"`
	MaxAgeDays int        `toml:"max_age_days"`
}

type StoreConfig struct {
	Backend  string         `toml:"backend"`
	Table    string         `toml:"table"`
	DynamoDB DynamoDBConfig `toml:"dynamodb"`
	Postgres PostgresConfig `toml:"postgres"`
	Mongo    MongoConfig    `toml:"mongo"`
	Redis    RedisConfig    `toml:"redis"`
}

type DynamoDBConfig struct {
	Region          string  `toml:"region"`
	Endpoint        string  `toml:"endpoint"`
	AccessKey       string  `toml:"access_key"`
	SecretKey       string  `toml:"secret_key"`
	BatchRatePerSec float64 `toml:"batch_rate_per_sec"`
}

type PostgresConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	PoolSize     int    `toml:"pool_size"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	MaxLifetime  int    `toml:"max_lifetime"`
}

type MongoConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type EconomyConfig struct {
	DailyHeartCap int64  `toml:"daily_heart_cap"`
	Location      string `toml:"location"`
	StreakGame    string `toml:"streak_game"`
}

// Loc resolves the configured calendar-day location.
func (e EconomyConfig) Loc() (*time.Location, error) {
	loc, err := time.LoadLocation(e.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to load location %q: %w", e.Location, err)
	}
	return loc, nil
}

type PaginationConfig struct {
	PageSize int `toml:"page_size"`
	MaxPages int `toml:"max_pages"`
}

type MissionsConfig struct {
	CatalogCacheSize  int      `toml:"catalog_cache_size"`
	CatalogCacheTTL   Duration `toml:"catalog_cache_ttl"`
	StatusParallelism int      `toml:"status_parallelism"`
}

type ArchiveConfig struct {
	Key      string `toml:"key"`
	Secret   string `toml:"secret"`
	Region   string `toml:"region"`
	Bucket   string `toml:"bucket"`
	Endpoint string `toml:"endpoint"`
	Prefix   string `toml:"prefix"`
}

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
)

func (c *Config) ApplyDefaults() {
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Table == "" {
		c.Store.Table = "vitalhearts"
	}
	if c.Store.DynamoDB.Region == "" {
		c.Store.DynamoDB.Region = "us-east-1"
	}
	if c.Store.DynamoDB.BatchRatePerSec == 0 {
		c.Store.DynamoDB.BatchRatePerSec = 10
	}
	if c.Store.Postgres.Port == 0 {
		c.Store.Postgres.Port = 5432
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "vitalhearts"
	}
	if c.Store.Mongo.Collection == "" {
		c.Store.Mongo.Collection = c.Store.Table
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}

	if c.Economy.DailyHeartCap == 0 {
		c.Economy.DailyHeartCap = 500
	}
	if c.Economy.Location == "" {
		c.Economy.Location = "UTC"
	}
	if c.Economy.StreakGame == "" {
		c.Economy.StreakGame = "streak"
	}

	if c.Pagination.PageSize == 0 {
		c.Pagination.PageSize = 100
	}
	if c.Pagination.MaxPages == 0 {
		c.Pagination.MaxPages = 100
	}

	if c.Missions.CatalogCacheSize == 0 {
		c.Missions.CatalogCacheSize = 128
	}
	if c.Missions.CatalogCacheTTL.Duration == 0 {
		c.Missions.CatalogCacheTTL.Duration = 15 * time.Minute
	}
	if c.Missions.StatusParallelism == 0 {
		c.Missions.StatusParallelism = 4
	}
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendDynamoDB, BackendPostgres, BackendMongo, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Economy.DailyHeartCap < 0 {
		return fmt.Errorf("economy.daily_heart_cap must not be negative")
	}
	if c.Pagination.PageSize < 0 || c.Pagination.MaxPages < 0 {
		return fmt.Errorf("pagination values must not be negative")
	}
	if _, err := c.Economy.Loc(); err != nil {
		return err
	}
	return nil
}
