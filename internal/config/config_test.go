package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golt.yaml")
	data := `tile_dir: /data/tiles
index: postgres
db_name: gis
workers: 3
metrics_interval: 10s
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c := DefaultConfig()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.TileDir != "/data/tiles" || c.IndexType != IndexPostgres || c.DBName != "gis" || c.Workers != 3 {
		t.Errorf("config = %+v", c)
	}
	if c.MetricsInterval != 10*time.Second {
		t.Errorf("MetricsInterval = %v", c.MetricsInterval)
	}
	// Untouched keys keep their defaults.
	if c.DBPort != 5432 || c.MinStringCount != 100 {
		t.Errorf("defaults lost: port %d, min strings %d", c.DBPort, c.MinStringCount)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileErrors(t *testing.T) {
	c := DefaultConfig()
	if err := c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("workers: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadFile(path); err == nil {
		t.Error("expected error for malformed file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no tile dir", func(c *Config) { c.TileDir = "" }, "tile directory"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"unknown index", func(c *Config) { c.IndexType = "sqlite" }, "unknown index"},
		{"postgres without schema", func(c *Config) { c.IndexType = IndexPostgres; c.DBSchema = "" }, "schema"},
		{"min strings", func(c *Config) { c.MinStringCount = 0 }, "min string count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestIndexPath(t *testing.T) {
	c := DefaultConfig()
	c.TileDir = "/srv/tiles"
	if got := c.IndexPath(); got != filepath.Join("/srv/tiles", "index.db") {
		t.Errorf("IndexPath() = %q", got)
	}
	c.IndexFile = "/tmp/idx.db"
	if got := c.IndexPath(); got != "/tmp/idx.db" {
		t.Errorf("IndexPath() = %q", got)
	}
}

func TestConnectionString(t *testing.T) {
	c := DefaultConfig()
	c.DBPassword = "secret"
	got := c.ConnectionString()
	if !strings.Contains(got, "dbname=osm") || !strings.HasSuffix(got, "password=secret") {
		t.Errorf("ConnectionString() = %q", got)
	}
}
