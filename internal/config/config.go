// Package config holds the settings shared by all golt commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Index backends.
const (
	IndexBolt     = "bolt"
	IndexPostgres = "postgres"
)

// Config holds the global configuration. Values come from DefaultConfig,
// then an optional YAML file, then command-line flags.
type Config struct {
	// Storage
	TileDir   string `yaml:"tile_dir"`
	IndexType string `yaml:"index"`      // bolt or postgres
	IndexFile string `yaml:"index_file"` // bolt database path; defaults to <tile_dir>/index.db

	// Database settings for the postgres index
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// String dictionary
	StringsFile    string `yaml:"strings_file"`     // ranked string summary written by analyze
	MaxStrings     int    `yaml:"max_strings"`      // dictionary size used when building
	MinStringCount int64  `yaml:"min_string_count"` // strings used fewer times are not ranked

	// Processing settings
	Workers int `yaml:"workers"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		TileDir:         "./tiles",
		IndexType:       IndexBolt,
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "osm",
		DBUser:          "postgres",
		DBSchema:        "public",
		MaxStrings:      8000,
		MinStringCount:  100,
		Workers:         runtime.NumCPU(),
		MetricsInterval: 30 * time.Second,
	}
}

// LoadFile overlays the settings of a YAML file onto c. Keys missing from
// the file leave the current values untouched.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// IndexPath returns the bolt index file.
func (c *Config) IndexPath() string {
	if c.IndexFile != "" {
		return c.IndexFile
	}
	return filepath.Join(c.TileDir, "index.db")
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

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.TileDir == "" {
		return fmt.Errorf("tile directory is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	switch c.IndexType {
	case IndexBolt:
	case IndexPostgres:
		if c.DBName == "" {
			return fmt.Errorf("database name is required for the postgres index")
		}
		if c.DBSchema == "" {
			return fmt.Errorf("database schema is required for the postgres index")
		}
	default:
		return fmt.Errorf("unknown index type %q (want %s or %s)", c.IndexType, IndexBolt, IndexPostgres)
	}
	if c.MaxStrings < 0 {
		return fmt.Errorf("max strings must not be negative")
	}
	if c.MinStringCount < 1 {
		return fmt.Errorf("min string count must be at least 1")
	}
	return nil
}
