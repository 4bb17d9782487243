package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	LogLevel      string
	Postgres      DBConfig
	RedisAddr     string
	RedisPassword string

	OnlineWindow       time.Duration
	SweepInterval      string
	PurgeInterval      string
	CommandRetention   time.Duration
	CorrelationTimeout time.Duration
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("GATEWAY_HUB_PORT", "8094"),
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "gatewayhub"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
		},
		RedisAddr:          getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		OnlineWindow:       getDuration("GATEWAY_ONLINE_WINDOW", 5*time.Minute),
		SweepInterval:      getEnv("GATEWAY_SWEEP_SPEC", "@every 1m"),
		PurgeInterval:      getEnv("COMMAND_PURGE_SPEC", "@every 1h"),
		CommandRetention:   getDuration("COMMAND_RETENTION", 24*time.Hour),
		CorrelationTimeout: getDuration("CORRELATION_TIMEOUT", 5*time.Second),
	}
	slog.Info("gateway-hub config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "online_window", cfg.OnlineWindow)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("invalid duration env, using default", "key", k, "value", v, "default", def)
	return def
}
