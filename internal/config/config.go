// Package config loads designsync settings from an optional YAML file and
// DESIGNSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		URL string `mapstructure:"url"`
		// Backend selects the SQL layer: "ent" or "gorm" (PostgreSQL only).
		Backend string `mapstructure:"backend"`
	} `mapstructure:"database"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Remote struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"remote"`
	Sync struct {
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"sync"`
	History struct {
		Dir           string `mapstructure:"dir"`
		SnapshotEvery int    `mapstructure:"snapshot_every"`
	} `mapstructure:"history"`
	Store struct {
		SnapshotEvery int `mapstructure:"snapshot_every"`
	} `mapstructure:"store"`
	Schema struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"schema"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Redis struct {
		Addr    string `mapstructure:"addr"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Otel struct {
		Stdout bool `mapstructure:"stdout"`
	} `mapstructure:"otel"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

const DefaultDatabaseURL = "sqlite:file:designsync.sqlite?_pragma=busy_timeout(5000)"

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", DefaultDatabaseURL)
	v.SetDefault("database.backend", "ent")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("remote.url", "")
	v.SetDefault("sync.debounce", "300ms")
	v.SetDefault("history.dir", ".designsync")
	v.SetDefault("history.snapshot_every", 50)
	v.SetDefault("store.snapshot_every", 50)
	v.SetDefault("schema.path", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "designsync.changes")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "designsync:changes")
	v.SetDefault("otel.stdout", false)
	v.SetDefault("log.level", "info")
}

// Load reads path when given, otherwise designsync.yaml from the working
// directory, ./.designsync or $HOME/.config/designsync if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DESIGNSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "DESIGNSYNC_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("designsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./.designsync")
		v.AddConfigPath("$HOME/.config/designsync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.History.SnapshotEvery <= 0 || cfg.Store.SnapshotEvery <= 0 {
		return nil, fmt.Errorf("config: snapshot_every must be positive")
	}
	switch cfg.Database.Backend {
	case "ent", "gorm":
	default:
		return nil, fmt.Errorf("config: unknown database.backend %q", cfg.Database.Backend)
	}
	return cfg, nil
}
