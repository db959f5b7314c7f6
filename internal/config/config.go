package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for pubobs.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	LogFormat  string          `mapstructure:"log_format"`
	Storage    StorageConfig   `mapstructure:"storage"`
	SafeHours  SafeHoursConfig `mapstructure:"safe_hours"`
	MQTT       MQTTConfig      `mapstructure:"mqtt"`
}

// StorageConfig defines the database backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SafeHoursConfig controls how safe samples become hours.
type SafeHoursConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	UnitsPerHour  float64       `mapstructure:"units_per_hour"`
	TailLookback  time.Duration `mapstructure:"tail_lookback"`
	DashboardDays int           `mapstructure:"dashboard_days"`
}

// MQTTConfig defines the broker connection and the topics shown on the dashboard.
type MQTTConfig struct {
	Broker         string                 `mapstructure:"broker"`
	ClientID       string                 `mapstructure:"client_id"`
	Username       string                 `mapstructure:"username"`
	Password       string                 `mapstructure:"password"`
	RecordReadings bool                   `mapstructure:"record_readings"`
	SkyImageTopic  string                 `mapstructure:"sky_image_topic"`
	Topics         map[string]TopicConfig `mapstructure:"topics"`
}

// TopicConfig is one subscribed sensor topic. Green is the favorable
// threshold; Condition says which side of it is good.
type TopicConfig struct {
	Topic     string   `mapstructure:"topic"`
	Unit      string   `mapstructure:"unit"`
	Green     *float64 `mapstructure:"green"`
	Condition string   `mapstructure:"condition"` // "above" or "below"
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $PUBOBS_CONFIG env → ~/.config/pubobs/config.yaml → /etc/pubobs/config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("safe_hours.timezone", "UTC")
	v.SetDefault("safe_hours.units_per_hour", 60)
	v.SetDefault("safe_hours.tail_lookback", "24h")
	v.SetDefault("safe_hours.dashboard_days", 30)
	v.SetDefault("mqtt.client_id", "pubobs")
	v.SetDefault("mqtt.sky_image_topic", "Observatory/skyimage")

	// Env var support
	v.SetEnvPrefix("PUBOBS")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("PUBOBS_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pubobs"))
		}
		v.AddConfigPath("/etc/pubobs")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Secrets from the environment win over the file so they can come from
	// a K8s secret. AutomaticEnv only covers keys viper already knows about.
	if pw := os.Getenv("PUBOBS_MQTT_PASSWORD"); pw != "" {
		cfg.MQTT.Password = pw
	}
	if dsn := os.Getenv("PUBOBS_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.Postgres.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	if err := c.SafeHours.validate(); err != nil {
		return err
	}

	for name, t := range c.MQTT.Topics {
		if t.Topic == "" {
			return fmt.Errorf("mqtt.topics.%s: topic is required", name)
		}
		switch t.Condition {
		case "":
			if t.Green != nil {
				return fmt.Errorf("mqtt.topics.%s: condition is required when green is set", name)
			}
		case "above", "below":
			if t.Green == nil {
				return fmt.Errorf("mqtt.topics.%s: green is required when condition is set", name)
			}
		default:
			return fmt.Errorf("mqtt.topics.%s: condition must be 'above' or 'below', got %q", name, t.Condition)
		}
	}
	if len(c.MQTT.Topics) > 0 && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when topics are configured")
	}

	return nil
}

func (s SafeHoursConfig) validate() error {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fmt.Errorf("safe_hours.timezone %q: %w", s.Timezone, err)
	}
	// Sums are grouped by UTC hour in the database, so local days must
	// start on a UTC hour boundary. Check both solstices to catch DST offsets.
	for _, m := range []time.Month{time.January, time.July} {
		_, offset := time.Date(2024, m, 1, 0, 0, 0, 0, loc).Zone()
		if offset%3600 != 0 {
			return fmt.Errorf("safe_hours.timezone %q has a UTC offset that is not a whole hour", s.Timezone)
		}
	}
	if s.UnitsPerHour <= 0 {
		return fmt.Errorf("safe_hours.units_per_hour must be positive, got %v", s.UnitsPerHour)
	}
	if s.TailLookback < 0 {
		return fmt.Errorf("safe_hours.tail_lookback must not be negative")
	}
	if s.DashboardDays < 1 || s.DashboardDays > 366 {
		return fmt.Errorf("safe_hours.dashboard_days must be between 1 and 366, got %d", s.DashboardDays)
	}
	return nil
}

// Location returns the configured calendar location, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SafeHours.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}
