package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultRetentionDays = 90

// Config holds all configuration loaded from config.yaml.
type Config struct {
	DataDir             string        `yaml:"data_dir"              json:"data_dir"`
	BundledDir          string        `yaml:"bundled_dir"           json:"bundled_dir"`
	DBPath              string        `yaml:"db_path"               json:"-"`
	BackupDir           string        `yaml:"backup_dir"            json:"backup_dir"`
	BackupRetentionDays int           `yaml:"backup_retention_days" json:"backup_retention_days"`
	HTTPAddr            string        `yaml:"http_addr"             json:"-"`
	LogLevel            string        `yaml:"log_level"             json:"-"`
	SyncSchedule        string        `yaml:"sync_schedule"         json:"sync_schedule"`
	PurgeSchedule       string        `yaml:"purge_schedule"        json:"purge_schedule"`
	Watch               bool          `yaml:"watch"                 json:"watch"`
	WatchDebounce       time.Duration `yaml:"watch_debounce"        json:"watch_debounce"`
	PruneMissing        bool          `yaml:"prune_missing"         json:"prune_missing"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/data/circuits"
	}
	if c.DBPath == "" {
		c.DBPath = "/data/cfss.db"
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(filepath.Dir(c.DBPath), "backups")
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = "0 3 * * *"
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = 2 * time.Second
	}
}

// validate rejects values the server cannot start with.
func (c *Config) validate() error {
	for key, expr := range map[string]string{"sync_schedule": c.SyncSchedule, "purge_schedule": c.PurgeSchedule} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("%s: invalid cron expression %q: %w", key, expr, err)
		}
	}
	if c.BackupRetentionDays < 0 {
		return fmt.Errorf("backup_retention_days must not be negative, got %d", c.BackupRetentionDays)
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("watch_debounce must not be negative, got %s", c.WatchDebounce)
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := Config{BackupRetentionDays: defaultRetentionDays}
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the server
// can start without a mounted config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	// Retention is preset so an absent key keeps the default while an
	// explicit 0 keeps backups forever.
	cfg := Config{BackupRetentionDays: defaultRetentionDays}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return &cfg, nil
}
