package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	KV          KVConfig       `mapstructure:"kv"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Scraper     ScraperConfig  `mapstructure:"scraper"`
	Sync        SyncConfig     `mapstructure:"sync"`
	Healing     HealingConfig  `mapstructure:"healing"`
	Jobs        JobsConfig     `mapstructure:"jobs"`
	Worker      WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type KVConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type ScraperConfig struct {
	Org             string `mapstructure:"org"`
	Token           string `mapstructure:"token"`
	BaseURL         string `mapstructure:"base_url"`
	IntervalMinutes int    `mapstructure:"interval_minutes"`
}

type SyncConfig struct {
	// KnownRepos is the fixed initial set of repository short-names the
	// sync engine tracks. Configuration, not data.
	KnownRepos []string `mapstructure:"known_repos"`
}

type HealingConfig struct {
	// Enabled gates the strategy graph. When false, incoming healing tasks
	// are escalated immediately.
	Enabled bool `mapstructure:"enabled"`
}

type JobsConfig struct {
	// MaxRetries is the default retry ceiling applied to new jobs.
	MaxRetries int `mapstructure:"max_retries"`
}

type WorkerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("environment", "local")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/repoplane.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("kv.path", "./data/kv")
	v.SetDefault("kv.in_memory", false)
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.bucket", "repoplane-reports")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("scraper.org", "BlackRoad-OS")
	v.SetDefault("scraper.base_url", "https://api.github.com")
	v.SetDefault("scraper.interval_minutes", 30)
	v.SetDefault("sync.known_repos", []string{})
	v.SetDefault("healing.enabled", true)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.poll_interval", 5*time.Second)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("scraper.org", "BLACKROAD_ORG")
	v.BindEnv("scraper.token", "GITHUB_TOKEN")
	v.BindEnv("scraper.interval_minutes", "SCRAPE_INTERVAL_MINUTES")
	v.BindEnv("healing.enabled", "SELF_HEAL_ENABLED")
	v.BindEnv("jobs.max_retries", "MAX_RETRY_ATTEMPTS")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
