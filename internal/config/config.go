// Package config loads process settings from the environment (optionally
// seeded from a .env file) and task definitions from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Store    StoreConfig
	HTTPAddr string
	Log      LogConfig

	CheckInterval time.Duration
	CronFallback  time.Duration
	// Location is the zone cron expressions are evaluated in.
	Location  *time.Location
	TasksFile string

	// Concurrency bounds the fan-out pool.
	Concurrency int
	Batch       BatchConfig
	LLM         LLMConfig
}

type StoreConfig struct {
	Driver string // sqlite or postgres
	Path   string
	DSN    string
}

type LogConfig struct {
	Level  string
	Format string
}

type BatchConfig struct {
	Size           int
	FlushInterval  time.Duration
	RequestTimeout time.Duration
	RatePerSec     float64
}

type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

// LoadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	concurrency, err := intEnv("DISPATCH_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}
	batchSize, err := intEnv("BATCH_SIZE", 5)
	if err != nil {
		return nil, err
	}
	flushMs, err := intEnv("BATCH_FLUSH_INTERVAL_MS", 100)
	if err != nil {
		return nil, err
	}
	timeoutMs, err := intEnv("BATCH_REQUEST_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}
	rps, err := strconv.ParseFloat(getEnv("BATCH_RATE_PER_SEC", "0"), 64)
	if err != nil || rps < 0 {
		return nil, fmt.Errorf("invalid BATCH_RATE_PER_SEC: %q", getEnv("BATCH_RATE_PER_SEC", "0"))
	}
	checkInterval, err := durationEnv("CRONFLOW_CHECK_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	fallback, err := durationEnv("CRONFLOW_CRON_FALLBACK", time.Hour)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := getEnv("CRONFLOW_TZ", ""); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid CRONFLOW_TZ: %w", err)
		}
	}

	cfg := &Config{
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("CRONFLOW_DB_DRIVER", "sqlite")),
			Path:   getEnv("CRONFLOW_DB_PATH", "cronflow.db"),
			DSN:    getEnv("CRONFLOW_DB_DSN", ""),
		},
		HTTPAddr: getEnv("CRONFLOW_HTTP_ADDR", ":8080"),
		Log: LogConfig{
			Level:  getEnv("CRONFLOW_LOG_LEVEL", "info"),
			Format: getEnv("CRONFLOW_LOG_FORMAT", "console"),
		},
		CheckInterval: checkInterval,
		CronFallback:  fallback,
		Location:      loc,
		TasksFile:     getEnv("CRONFLOW_TASKS_FILE", ""),
		Concurrency:   concurrency,
		Batch: BatchConfig{
			Size:           batchSize,
			FlushInterval:  time.Duration(flushMs) * time.Millisecond,
			RequestTimeout: time.Duration(timeoutMs) * time.Millisecond,
			RatePerSec:     rps,
		},
		LLM: LLMConfig{
			Endpoint: getEnv("LLM_ENDPOINT", ""),
			APIKey:   getEnv("LLM_API_KEY", ""),
			Model:    getEnv("LLM_MODEL", ""),
		},
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return nil, errors.New("CRONFLOW_DB_DSN is required for the postgres driver")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// intEnv parses a positive integer.
func intEnv(key string, def int) (int, error) {
	raw := getEnv(key, strconv.Itoa(def))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := getEnv(key, def.String())
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}
