// Package config loads server settings from flags, NODEGRID_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MRamiBalles/nodegrid/internal/platform/optimization"
)

const envPrefix = "NODEGRID"

// StorageConfig selects the database backend.
type StorageConfig struct {
	// Driver is "sqlite", "postgres" or "none" to keep events in memory only.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Config is the resolved server configuration.
type Config struct {
	Addr             string        `mapstructure:"addr"`
	GridID           string        `mapstructure:"grid_id"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	MaxReplanRounds  int           `mapstructure:"max_replan_rounds"`
	HistoryLength    int           `mapstructure:"history_length"`
	LogLevel         string        `mapstructure:"log_level"`
	TopologyFile     string        `mapstructure:"topology_file"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	Profile          string        `mapstructure:"profile"`
	Storage          StorageConfig `mapstructure:"storage"`

	// Tuning is derived from Profile.
	Tuning *optimization.Config `mapstructure:"-"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"addr":              "addr",
	"grid-id":           "grid_id",
	"tick-interval":     "tick_interval",
	"max-replan-rounds": "max_replan_rounds",
	"history-length":    "history_length",
	"log-level":         "log_level",
	"topology":          "topology_file",
	"snapshot-interval": "snapshot_interval",
	"profile":           "profile",
	"storage-driver":    "storage.driver",
	"storage-dsn":       "storage.dsn",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("grid_id", "default")
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("max_replan_rounds", 16)
	v.SetDefault("history_length", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("topology_file", "")
	v.SetDefault("snapshot_interval", 30*time.Second)
	v.SetDefault("profile", optimization.ProfileDefault)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./nodegrid.db")
}

// RegisterFlags adds the server flags to fs. Flags left unset do not
// override environment or file values.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML or TOML config file")
	fs.String("addr", ":8080", "HTTP listen address")
	fs.String("grid-id", "default", "id under which events and snapshots are stored")
	fs.Duration("tick-interval", time.Second, "interval between automatic ticks (0 disables the ticker)")
	fs.Int("max-replan-rounds", 16, "upper bound on replanning passes per tick")
	fs.Int("history-length", 100, "samples kept per node")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("topology", "", "topology YAML file")
	fs.Duration("snapshot-interval", 30*time.Second, "interval between node state snapshots (0 disables)")
	fs.String("profile", optimization.ProfileDefault, "tuning profile: default, stress or low")
	fs.String("storage-driver", "sqlite", "sqlite, postgres or none")
	fs.String("storage-dsn", "./nodegrid.db", "database file or connection string")
}

// Load resolves the configuration. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tuning, err := optimization.ForProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.GridID == "" {
		errs = append(errs, errors.New("grid_id must not be empty"))
	}
	if c.TickInterval < 0 {
		errs = append(errs, errors.New("tick_interval must not be negative"))
	}
	if c.MaxReplanRounds < 1 {
		errs = append(errs, errors.New("max_replan_rounds must be at least 1"))
	}
	if c.HistoryLength < 1 {
		errs = append(errs, errors.New("history_length must be at least 1"))
	}
	if c.SnapshotInterval < 0 {
		errs = append(errs, errors.New("snapshot_interval must not be negative"))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
