package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"escrowflow/logging"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	AutoExec AutoExecConfig `mapstructure:"autoexec"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// AutoExecConfig drives the agreed-resolution sweep.
type AutoExecConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Window    time.Duration `mapstructure:"window"`
	BatchSize int           `mapstructure:"batch_size"`
	LockKey   int64         `mapstructure:"lock_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configFile (optional), then ESCROW_* environment variables.
// ESCROW_DATABASE_URL overrides database.url, and so on.
func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("config: context is required")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "config"))

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("escrowflow")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			logging.Debug(logCtx, "config file not found, using defaults and env")
		} else {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.AutoExec.Window <= 0 {
		return errors.New("config: autoexec.window must be positive")
	}
	if c.AutoExec.Enabled && c.AutoExec.Interval <= 0 {
		return errors.New("config: autoexec.interval must be positive")
	}
	if c.AutoExec.BatchSize <= 0 {
		return errors.New("config: autoexec.batch_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("autoexec.enabled", true)
	v.SetDefault("autoexec.interval", time.Minute)
	v.SetDefault("autoexec.window", 24*time.Hour)
	v.SetDefault("autoexec.batch_size", 50)
	v.SetDefault("autoexec.lock_key", 72310001)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
