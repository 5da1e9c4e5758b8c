package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Provider struct {
	BaseURL        string `mapstructure:"base_url"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (p Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type RateLimit struct {
	MaxCalls      int `mapstructure:"max_calls"`
	WindowSeconds int `mapstructure:"window_seconds"`
	MinIntervalMS int `mapstructure:"min_interval_ms"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r RateLimit) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMS) * time.Millisecond
}

type Retry struct {
	MaxAttempts     int `mapstructure:"max_attempts"`
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

func (r Retry) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

type Sync struct {
	BatchSize   int    `mapstructure:"batch_size"`
	ChunkSize   int    `mapstructure:"chunk_size"`
	Workers     int    `mapstructure:"workers"`
	DaysBack    int    `mapstructure:"days_back"`
	DailyTime   string `mapstructure:"daily_time"`
	WeekendSync bool   `mapstructure:"weekend_sync"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Calendar struct {
	ExtraHolidays []string `mapstructure:"extra_holidays"`
}

type Config struct {
	Provider  Provider  `mapstructure:"provider"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Retry     Retry     `mapstructure:"retry"`
	Sync      Sync      `mapstructure:"sync"`
	Database  Database  `mapstructure:"database"`
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	Calendar  Calendar  `mapstructure:"calendar"`
}

func setDefaults(v *viper.Viper) {
	// Credentials default to empty so DTSYNC_PROVIDER_* env vars are picked
	// up even when the keys are absent from the file.
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.user", "")
	v.SetDefault("provider.password", "")
	v.SetDefault("provider.timeout_seconds", 15)
	v.SetDefault("ratelimit.max_calls", 30)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.min_interval_ms", 200)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.interval_seconds", 300)
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.chunk_size", 1000)
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.days_back", 5)
	v.SetDefault("sync.daily_time", "20:00")
	v.SetDefault("sync.weekend_sync", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "dtsync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "Asia/Shanghai")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dtsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("DTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func read(v *viper.Viper, path string) (*Config, bool, error) {
	haveFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing default file is fine: defaults + env still apply.
		if path != "" || !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		haveFile = false
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, false, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, haveFile, nil
}

// Load reads dtsync.yaml (or the explicit path), applies defaults and
// DTSYNC_* environment overrides, and unmarshals the result.
func Load(path string) (*Config, error) {
	cfg, _, err := read(newViper(path), path)
	return cfg, err
}

// LoadAndWatch is Load plus a file watcher that re-unmarshals into the same
// Config on change. onChange, when non-nil, runs after each successful reload.
func LoadAndWatch(path string, onChange func(*Config)) (*Config, error) {
	v := newViper(path)
	cfg, haveFile, err := read(v, path)
	if err != nil {
		return nil, err
	}
	if !haveFile {
		return cfg, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(fsnotify.Event) {
		if err := v.Unmarshal(cfg); err != nil {
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	return cfg, nil
}
