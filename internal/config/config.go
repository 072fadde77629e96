/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	MediaRoot   string

	// Optional YAML file with per-language connection settings applied as
	// an implicit init at startup.
	LanguagesFile string

	SchedulerTick   time.Duration
	DispatchTimeout time.Duration

	// Redis snapshot cache
	CacheEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event fan-out
	NATSEnabled bool
	NATSURL     string

	// S3 mirror for synced media
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("MIMIR_ENV", "development"),
		HTTPBind:    getEnv("MIMIR_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("MIMIR_HTTP_PORT", 6000),
		DBBackend:   DatabaseBackend(getEnv("MIMIR_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("MIMIR_DB_DSN", "mimir_relay.db"),
		MediaRoot:   getEnv("MIMIR_MEDIA_ROOT", "/home/stream/content"),

		LanguagesFile: getEnv("MIMIR_LANGS_FILE", ""),

		SchedulerTick:   time.Duration(getEnvInt("MIMIR_SCHEDULER_TICK_MS", 200)) * time.Millisecond,
		DispatchTimeout: time.Duration(getEnvInt("MIMIR_DISPATCH_TIMEOUT_SECONDS", 10)) * time.Second,

		CacheEnabled:  getEnvBool("MIMIR_CACHE_ENABLED", false),
		RedisAddr:     getEnv("MIMIR_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("MIMIR_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("MIMIR_REDIS_DB", 0),

		NATSEnabled: getEnvBool("MIMIR_NATS_ENABLED", false),
		NATSURL:     getEnv("MIMIR_NATS_URL", "nats://localhost:4222"),

		S3Bucket:          getEnv("MIMIR_S3_BUCKET", ""),
		S3Region:          getEnv("MIMIR_S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("MIMIR_S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnvAny([]string{"MIMIR_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"MIMIR_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3UsePathStyle:    getEnvBool("MIMIR_S3_USE_PATH_STYLE", false),

		TracingEnabled:    getEnvBool("MIMIR_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("MIMIR_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("MIMIR_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("MIMIR_DB_DSN must be provided")
	}

	if cfg.SchedulerTick <= 0 {
		return nil, fmt.Errorf("MIMIR_SCHEDULER_TICK_MS must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
