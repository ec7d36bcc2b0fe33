package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type AgentConfig struct {
	Port      int    `yaml:"port"`
	ServerURL string `yaml:"server_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SyncConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
}

type CacheConfig struct {
	// AssetVersion changes at each deployment and invalidates the static
	// bucket wholesale; DataVersion does the same for the dynamic bucket.
	AssetVersion string `yaml:"asset_version"`
	DataVersion  string `yaml:"data_version"`
}

type StorageConfig struct {
	PhotoDir      string `yaml:"photo_dir"`
	ThumbnailSize int    `yaml:"thumbnail_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			Port:      8090,
			ServerURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Path: "./data/fieldsync.db",
		},
		Sync: SyncConfig{
			MaxAttempts:    5,
			AttemptTimeout: 30 * time.Second,
			DrainInterval:  time.Minute,
		},
		Cache: CacheConfig{
			AssetVersion: "v1",
			DataVersion:  "v1",
		},
		Storage: StorageConfig{
			PhotoDir:      "./data/photos",
			ThumbnailSize: 320,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()

	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("FIELDSYNC_AGENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Agent.Port = port
		}
	}

	if v := os.Getenv("FIELDSYNC_SERVER_URL"); v != "" {
		cfg.Agent.ServerURL = v
	}

	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FIELDSYNC_PHOTO_DIR"); v != "" {
		cfg.Storage.PhotoDir = v
	}

	if v := os.Getenv("FIELDSYNC_ASSET_VERSION"); v != "" {
		cfg.Cache.AssetVersion = v
	}

	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Agent.Port < 1 || c.Agent.Port > 65535 {
		return fmt.Errorf("agent port must be between 1 and 65535, got %d", c.Agent.Port)
	}

	if c.Agent.ServerURL == "" {
		return fmt.Errorf("agent server url is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync max attempts must be at least 1")
	}

	if c.Sync.AttemptTimeout <= 0 {
		return fmt.Errorf("sync attempt timeout must be positive")
	}

	if c.Sync.DrainInterval <= 0 {
		return fmt.Errorf("sync drain interval must be positive")
	}

	if c.Cache.AssetVersion == "" || c.Cache.DataVersion == "" {
		return fmt.Errorf("cache bucket versions are required")
	}

	if c.Storage.ThumbnailSize < 16 {
		return fmt.Errorf("thumbnail size must be at least 16 pixels")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}
