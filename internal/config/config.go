package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/wegman-software/featuresync/internal/geomstore"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. FEATURESYNC_DATA_DIR
	EnvPrefix = "FEATURESYNC"

	// DefaultFileName is the config file looked up in the working directory
	DefaultFileName = "featuresync"
)

// Config holds the global configuration of the sync daemon
type Config struct {
	// Storage settings
	DataDir     string        `mapstructure:"data_dir"`
	LayersFile  string        `mapstructure:"layers_file"` // Relative paths resolve against the config file
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// Scheduling
	Workers     int           `mapstructure:"workers"`
	Interval    time.Duration `mapstructure:"interval"`
	PassTimeout time.Duration `mapstructure:"pass_timeout"`

	// Default database for postgis layers
	DBHost     string `mapstructure:"db_host"`
	DBPort     int    `mapstructure:"db_port"`
	DBName     string `mapstructure:"db_name"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`

	// Local store render settings
	MinZoom  int `mapstructure:"min_zoom"`
	MaxZoom  int `mapstructure:"max_zoom"`
	ZoomStep int `mapstructure:"zoom_step"`
	LRUSize  int `mapstructure:"lru_size"`

	// Tile expiry settings
	ExpireOutput  string `mapstructure:"expire_output"` // Empty disables tile expiry
	ExpireMinZoom int    `mapstructure:"expire_min_zoom"`
	ExpireMaxZoom int    `mapstructure:"expire_max_zoom"`

	// Logging and metrics
	Verbose         bool          `mapstructure:"verbose"`
	LogFile         string        `mapstructure:"log_file"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	store := geomstore.DefaultOptions()
	return &Config{
		DataDir:         "./featuresync_data",
		LayersFile:      "layers.yaml",
		LockTimeout:     5 * time.Second,
		Workers:         runtime.NumCPU(),
		Interval:        5 * time.Minute,
		PassTimeout:     10 * time.Minute,
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "gis",
		DBUser:          "postgres",
		MinZoom:         store.MinZoom,
		MaxZoom:         store.MaxZoom,
		ZoomStep:        store.ZoomStep,
		LRUSize:         store.LRUSize,
		ExpireMinZoom:   10,
		ExpireMaxZoom:   18,
		MetricsInterval: 30 * time.Second,
	}
}

// Load reads the config file (if any), environment and bound flags from v
// on top of the defaults
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if v.ConfigFileUsed() == "" {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" && !filepath.IsAbs(cfg.LayersFile) {
		cfg.LayersFile = filepath.Join(filepath.Dir(used), cfg.LayersFile)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to keys
// without a flag
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("layers_file", cfg.LayersFile)
	v.SetDefault("lock_timeout", cfg.LockTimeout)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("interval", cfg.Interval)
	v.SetDefault("pass_timeout", cfg.PassTimeout)
	v.SetDefault("db_host", cfg.DBHost)
	v.SetDefault("db_port", cfg.DBPort)
	v.SetDefault("db_name", cfg.DBName)
	v.SetDefault("db_user", cfg.DBUser)
	v.SetDefault("db_password", cfg.DBPassword)
	v.SetDefault("min_zoom", cfg.MinZoom)
	v.SetDefault("max_zoom", cfg.MaxZoom)
	v.SetDefault("zoom_step", cfg.ZoomStep)
	v.SetDefault("lru_size", cfg.LRUSize)
	v.SetDefault("expire_output", cfg.ExpireOutput)
	v.SetDefault("expire_min_zoom", cfg.ExpireMinZoom)
	v.SetDefault("expire_max_zoom", cfg.ExpireMaxZoom)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("metrics_interval", cfg.MetricsInterval)
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// StoreOptions returns the geometry store options for one layer
func (c *Config) StoreOptions(layer string) geomstore.Options {
	opts := geomstore.DefaultOptions()
	opts.MinZoom = c.MinZoom
	opts.MaxZoom = c.MaxZoom
	opts.ZoomStep = c.ZoomStep
	opts.LRUSize = c.LRUSize
	opts.IndexPath = c.LayerPath(layer, ".idx")
	return opts
}

// LayerPath returns a per-layer file in the data directory
func (c *Config) LayerPath(layer, ext string) string {
	return filepath.Join(c.DataDir, layer+ext)
}

// AttachmentDir returns the attachment folder tree of a layer
func (c *Config) AttachmentDir(layer string) string {
	return filepath.Join(c.DataDir, layer+"_attachments")
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s")
	}
	if c.PassTimeout < 0 {
		return fmt.Errorf("pass timeout must not be negative")
	}
	if c.ExpireOutput != "" && (c.ExpireMinZoom < 0 || c.ExpireMaxZoom > 30 || c.ExpireMinZoom > c.ExpireMaxZoom) {
		return fmt.Errorf("invalid expire zoom range %d-%d", c.ExpireMinZoom, c.ExpireMaxZoom)
	}
	if err := c.StoreOptions("validate").Validate(); err != nil {
		return fmt.Errorf("invalid store settings: %w", err)
	}
	return nil
}
