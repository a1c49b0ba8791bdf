package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings. Every field can be overridden through
// CASHBOOK_* environment variables (CASHBOOK_HTTP_ADDR, CASHBOOK_PG_DSN, ...).
type Config struct {
	HTTPAddr        string
	PGDSN           string
	PGMaxOpenConns  int
	PGMaxIdleConns  int
	RateLimitPerSec float64
	RateLimitBurst  int
	TokenTTL        time.Duration
	ShutdownTimeout time.Duration
	Version         string
	Commit          string
}

// Load reads configuration from the environment and an optional config file
// in the working directory (cashbook.yaml).
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CASHBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("cashbook")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("pg.dsn", "")
	v.SetDefault("pg.max_open_conns", 20)
	v.SetDefault("pg.max_idle_conns", 10)
	v.SetDefault("rate.per_sec", 50.0)
	v.SetDefault("rate.burst", 100)
	v.SetDefault("token.ttl", "30m")
	v.SetDefault("shutdown.timeout", "10s")
	v.SetDefault("version", "dev")
	v.SetDefault("commit", "none")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, the environment is the primary source.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTPAddr:        v.GetString("http.addr"),
		PGDSN:           v.GetString("pg.dsn"),
		PGMaxOpenConns:  v.GetInt("pg.max_open_conns"),
		PGMaxIdleConns:  v.GetInt("pg.max_idle_conns"),
		RateLimitPerSec: v.GetFloat64("rate.per_sec"),
		RateLimitBurst:  v.GetInt("rate.burst"),
		TokenTTL:        v.GetDuration("token.ttl"),
		ShutdownTimeout: v.GetDuration("shutdown.timeout"),
		Version:         v.GetString("version"),
		Commit:          v.GetString("commit"),
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg, nil
}
