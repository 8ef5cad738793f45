// Package config loads process configuration from the environment.
//
// Every setting has a default so a bare `billing-server` starts against a
// local SQLite file with log notifications. A .env file in the working
// directory is loaded by the binaries before Load is called.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type DatabaseConfig struct {
	Driver     string // sqlite or postgres
	SQLitePath string
	Postgres   PostgresConfig
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders a pgx connection URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout time.Duration
	Timeout     time.Duration
	Prefix      string
	OutboxKey   string
}

type S3Config struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
}

type AppConfig struct {
	Port         int
	LogLevel     string
	LogFormat    string // json or console
	Jurisdiction string // path to a jurisdiction JSON, empty for the default
	CORSOrigins  []string
	Database     DatabaseConfig
	Redis        RedisConfig
	S3           S3Config
}

// loader collects parse errors instead of exiting on the first one.
type loader struct {
	errs []error
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) atoi(key, def string) int {
	s := getenv(key, def)
	i, err := strconv.Atoi(s)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid int value %q", key, s))
	}
	return i
}

func (l *loader) boolean(key, def string) bool {
	s := getenv(key, def)
	b, err := strconv.ParseBool(s)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid bool value %q", key, s))
	}
	return b
}

func (l *loader) seconds(key, def string) time.Duration {
	return time.Duration(l.atoi(key, def)) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the configuration. All invalid values are reported together.
func Load() (AppConfig, error) {
	l := &loader{}
	cfg := AppConfig{
		Port:         l.atoi("APP_PORT", "8080"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFormat:    getenv("LOG_FORMAT", "json"),
		Jurisdiction: getenv("JURISDICTION_FILE", ""),
		CORSOrigins:  splitList(getenv("CORS_ORIGINS", "*")),
		Database: DatabaseConfig{
			Driver:     getenv("DB_DRIVER", "sqlite"),
			SQLitePath: getenv("SQLITE_PATH", "billing.db"),
			Postgres: PostgresConfig{
				Host:     getenv("PG_HOST", "127.0.0.1"),
				Port:     l.atoi("PG_PORT", "5432"),
				User:     getenv("PG_USER", "billing"),
				Password: getenv("PG_PASSWORD", ""),
				DBName:   getenv("PG_DB", "billing"),
				SSLMode:  getenv("PG_SSLMODE", "disable"),
			},
		},
		Redis: RedisConfig{
			Enabled:     l.boolean("REDIS_ENABLED", "false"),
			Addr:        getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    getenv("REDIS_PASSWORD", ""),
			DB:          l.atoi("REDIS_DB", "0"),
			MaxRetries:  l.atoi("REDIS_MAX_RETRIES", "5"),
			DialTimeout: l.seconds("REDIS_DIAL_TIMEOUT", "10"),
			Timeout:     l.seconds("REDIS_TIMEOUT", "5"),
			Prefix:      getenv("REDIS_PREFIX", "billing_"),
			OutboxKey:   getenv("REDIS_OUTBOX_KEY", "mail:outbox"),
		},
		S3: S3Config{
			Enabled:         l.boolean("S3_ENABLED", "false"),
			Endpoint:        getenv("S3_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getenv("S3_ACCESS_KEY", ""),
			SecretAccessKey: getenv("S3_SECRET_KEY", ""),
			Bucket:          getenv("S3_BUCKET", "billing-reports"),
			Region:          getenv("S3_REGION", "eu-central-1"),
			UseSSL:          l.boolean("S3_USE_SSL", "false"),
			Prefix:          getenv("S3_PREFIX", "reports/"),
		},
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		l.errs = append(l.errs, fmt.Errorf("DB_DRIVER: unknown driver %q", cfg.Database.Driver))
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		l.errs = append(l.errs, fmt.Errorf("LOG_FORMAT: unknown format %q", cfg.LogFormat))
	}

	if err := errors.Join(l.errs...); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
