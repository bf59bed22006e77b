// Package config holds the daemon-mode configuration, loadable from a
// YAML file or from PGBB_* environment variables.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"sigs.k8s.io/yaml"
)

type LogConfig struct {
	Level     string `json:"level" env:"PGBB_LOG_LEVEL, default=info"`
	Format    string `json:"format" env:"PGBB_LOG_FORMAT, default=text"`
	AddSource bool   `json:"add_source" env:"PGBB_LOG_ADD_SOURCE"`
}

type MainConfig struct {
	// Directory receives one timestamped subdirectory per scheduled run.
	Directory  string `json:"directory" env:"PGBB_DIRECTORY"`
	ListenPort int    `json:"listen_port" env:"PGBB_LISTEN_PORT, default=7070"`
}

type BackupConfig struct {
	// Cron uses the six-field form with seconds, e.g. "0 0 2 * * *".
	Cron        string `json:"cron" env:"PGBB_BACKUP_CRON, default=0 0 2 * * *"`
	Retain      string `json:"retain" env:"PGBB_BACKUP_RETAIN, default=168h"`
	WALMethod   string `json:"wal_method" env:"PGBB_BACKUP_WAL_METHOD, default=stream"`
	Compression string `json:"compression" env:"PGBB_BACKUP_COMPRESSION, default=none"`
	MaxRate     int64  `json:"max_rate" env:"PGBB_BACKUP_MAX_RATE"`
	Label       string `json:"label" env:"PGBB_BACKUP_LABEL"`
}

type Config struct {
	Main   MainConfig   `json:"main"`
	Log    LogConfig    `json:"log"`
	Backup BackupConfig `json:"backup"`
}

// MustLoad reads the YAML config file, then fills anything unset from the
// environment.
func MustLoad(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read config %s: %v", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		log.Fatalf("parse config %s: %v", path, err)
	}
	if err := envconfig.Process(context.Background(), &c); err != nil {
		log.Fatalf("process env config: %v", err)
	}
	if err := c.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return &c
}

// MustEnvconfig builds the config from environment variables alone.
func MustEnvconfig() *Config {
	var c Config
	if err := envconfig.Process(context.Background(), &c); err != nil {
		log.Fatalf("process env config: %v", err)
	}
	if err := c.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return &c
}

func (c *Config) Validate() error {
	if c.Main.Directory == "" {
		return fmt.Errorf("main.directory is required")
	}
	if _, err := c.RetainPeriod(); err != nil {
		return err
	}
	switch c.Backup.WALMethod {
	case "none", "fetch", "stream":
	default:
		return fmt.Errorf("backup.wal_method must be none, fetch or stream (have %q)", c.Backup.WALMethod)
	}
	return nil
}

// RetainPeriod parses backup.retain; zero disables retention.
func (c *Config) RetainPeriod() (time.Duration, error) {
	if c.Backup.Retain == "" || c.Backup.Retain == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Backup.Retain)
	if err != nil {
		return 0, fmt.Errorf("backup.retain: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("backup.retain must not be negative")
	}
	return d, nil
}

// String renders the effective configuration for startup logging.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}
