package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const defaultSessionSecret = "dev-secret-change-me"

type Config struct {
	Port                string
	Env                 string
	LogLevel            string
	DatabaseDriver      string
	DatabaseDSN         string
	RoomBackend         string
	RedisURL            string
	RoomTTL             time.Duration
	RoomSweepInterval   time.Duration
	HistoryLimit        int
	SessionSecret       string
	SessionTTL          time.Duration
	ClientOrigin        string
	StoreTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	RateLimitRPS        float64
	RateLimitBurst      int
}

var defaults = map[string]any{
	"app_port":              "8080",
	"app_env":               "dev",
	"log_level":             "info",
	"database_driver":       "postgres",
	"database_dsn":          "host=localhost user=postgres password=postgres dbname=downpour port=5432 sslmode=disable TimeZone=UTC",
	"room_backend":          "db",
	"redis_url":             "redis://localhost:6379/0",
	"room_ttl":              "24h",
	"room_sweep_interval":   "1m",
	"history_limit":         100,
	"session_secret":        defaultSessionSecret,
	"session_ttl":           "24h",
	"client_origin":         "http://localhost:5173",
	"store_timeout":         "0s",
	"shutdown_grace_period": "5s",
	"rate_limit_rps":        20.0,
	"rate_limit_burst":      40,
}

// Load 读取环境变量（可选 CONFIG_FILE 配置文件），非法数值回退到默认值。
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		_ = v.ReadInConfig()
	}

	return Config{
		Port:                v.GetString("app_port"),
		Env:                 v.GetString("app_env"),
		LogLevel:            v.GetString("log_level"),
		DatabaseDriver:      v.GetString("database_driver"),
		DatabaseDSN:         v.GetString("database_dsn"),
		RoomBackend:         v.GetString("room_backend"),
		RedisURL:            v.GetString("redis_url"),
		RoomTTL:             positiveDuration(v, "room_ttl"),
		RoomSweepInterval:   positiveDuration(v, "room_sweep_interval"),
		HistoryLimit:        positiveInt(v, "history_limit"),
		SessionSecret:       v.GetString("session_secret"),
		SessionTTL:          positiveDuration(v, "session_ttl"),
		ClientOrigin:        v.GetString("client_origin"),
		StoreTimeout:        v.GetDuration("store_timeout"),
		ShutdownGracePeriod: positiveDuration(v, "shutdown_grace_period"),
		RateLimitRPS:        positiveFloat(v, "rate_limit_rps"),
		RateLimitBurst:      positiveInt(v, "rate_limit_burst"),
	}
}

func positiveInt(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return defaults[key].(int)
}

func positiveFloat(v *viper.Viper, key string) float64 {
	if f := v.GetFloat64(key); f > 0 {
		return f
	}
	return defaults[key].(float64)
}

func positiveDuration(v *viper.Viper, key string) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	d, _ := time.ParseDuration(defaults[key].(string))
	return d
}

// Validate 拒绝无法启动的配置；非 dev 环境禁止使用默认 session secret。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is empty")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	switch cfg.RoomBackend {
	case "db":
	case "redis":
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for redis room backend")
		}
	default:
		return fmt.Errorf("unsupported ROOM_BACKEND %q", cfg.RoomBackend)
	}
	if cfg.Env != "dev" && cfg.SessionSecret == defaultSessionSecret {
		return errors.New("SESSION_SECRET must be set outside dev")
	}
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is empty")
	}
	return nil
}
