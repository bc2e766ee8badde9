package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	LocalStore   LocalStoreConfig   `mapstructure:"local_store"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LocalStoreConfig struct {
	Driver   string `mapstructure:"driver"`    // "sqlite3" or "mysql"
	FilePath string `mapstructure:"file_path"` // For SQLite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	Timeout   string `mapstructure:"timeout"`
}

func (r RemoteConfig) GetTimeout() time.Duration {
	d, _ := time.ParseDuration(r.Timeout)
	return d
}

type SyncConfig struct {
	BaseDelay       string `mapstructure:"base_delay"`
	MaxDelay        string `mapstructure:"max_delay"`
	MaxRetries      int    `mapstructure:"max_retries"`
	FullResyncAfter string `mapstructure:"full_resync_after"`
}

func (s SyncConfig) GetBaseDelay() time.Duration {
	d, _ := time.ParseDuration(s.BaseDelay)
	return d
}

func (s SyncConfig) GetMaxDelay() time.Duration {
	d, _ := time.ParseDuration(s.MaxDelay)
	return d
}

func (s SyncConfig) GetFullResyncAfter() time.Duration {
	d, _ := time.ParseDuration(s.FullResyncAfter)
	return d
}

type ConnectivityConfig struct {
	ProbeInterval string `mapstructure:"probe_interval"`
	Debounce      string `mapstructure:"debounce"`
}

func (c ConnectivityConfig) GetProbeInterval() time.Duration {
	d, _ := time.ParseDuration(c.ProbeInterval)
	return d
}

func (c ConnectivityConfig) GetDebounce() time.Duration {
	d, _ := time.ParseDuration(c.Debounce)
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("local_store.driver", "sqlite3")
	v.SetDefault("local_store.file_path", "tasksync.db")
	v.SetDefault("remote.timeout", "15s")
	v.SetDefault("sync.base_delay", "1s")
	v.SetDefault("sync.max_delay", "60s")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.full_resync_after", "24h")
	v.SetDefault("connectivity.probe_interval", "5s")
	v.SetDefault("connectivity.debounce", "2s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 1m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
