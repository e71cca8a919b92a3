package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the relay settings.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogFormat      string
	LogLevel       slog.Level
	Redis          RedisConfig
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// DefaultJWTSecret is only accepted outside production.
const DefaultJWTSecret = "change-me-in-production"

// Load reads the relay configuration from the environment and, when
// CONFIG_FILE is set, from that file. Environment values win.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("port", "3001")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("redis_enabled", false)
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	level, err := parseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, err
	}

	environment := v.GetString("environment")
	secret := v.GetString("jwt_secret")
	if environment == "production" && (secret == "" || secret == DefaultJWTSecret) {
		return nil, fmt.Errorf("JWT_SECRET must be set to a non-default value in production")
	}

	return &Config{
		Port:           v.GetString("port"),
		Environment:    environment,
		AllowedOrigins: splitCommaSeparated(v.GetString("allowed_origins")),
		JWTSecret:      secret,
		LogFormat:      logFormat(v),
		LogLevel:       level,
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis_enabled"),
			Host:     v.GetString("redis_host"),
			Port:     v.GetString("redis_port"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
	}, nil
}

// Addr is the relay's listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

func logFormat(v *viper.Viper) string {
	if f := v.GetString("log_format"); f != "" {
		return f
	}
	if v.GetString("environment") == "production" {
		return LogFormatJSON
	}
	return LogFormatText
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", raw, err)
	}
	return level, nil
}

func splitCommaSeparated(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
