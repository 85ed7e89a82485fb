// Package config loads engine settings from the environment. CLI flags
// override individual fields in the cmd layer.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type KafkaCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool

	// Asset sampling.
	SampleWorkers     int
	ReadRetries       int
	ReadRetryBackoff  time.Duration
	RequestTimeout time.Duration

	// OverviewPixelSize is the coarsest acceptable ground sample
	// distance, in CRS units per pixel. Zero keeps every read at full
	// resolution; point sampling favors exactness over fewer bytes, so
	// overview levels only serve reads when a ceiling is set
	// explicitly via COG_OVERVIEW_PIXEL_SIZE.
	OverviewPixelSize float64

	// STAC search.
	SearchPageLimit int
	SearchRetries   int
	SearchBackoff   time.Duration

	// Optional search-result cache.
	SearchCacheSize int
	SearchCacheTTL  time.Duration
	RedisAddr       string

	// Output artifact.
	OutputDir string

	// Async job events.
	Kafka KafkaCfg
}

func FromEnv() Config {
	workers := getint("SAMPLE_WORKERS", 4)
	if workers < 1 {
		workers = 1
	}

	return Config{
		Addr:       getenv("ADDR", ":8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		SampleWorkers:     workers,
		ReadRetries:       getint("READ_RETRIES", 2),
		ReadRetryBackoff:  getduration("READ_RETRY_BACKOFF", 500*time.Millisecond),
		RequestTimeout:    getduration("REQUEST_TIMEOUT", 15*time.Minute),
		OverviewPixelSize: getfloat("COG_OVERVIEW_PIXEL_SIZE", 0),

		SearchPageLimit: getint("SEARCH_PAGE_LIMIT", 100),
		SearchRetries:   getint("SEARCH_RETRIES", 2),
		SearchBackoff:   getduration("SEARCH_BACKOFF", time.Second),

		SearchCacheSize: getint("SEARCH_CACHE_SIZE", 128),
		SearchCacheTTL:  getduration("SEARCH_CACHE_TTL", 5*time.Minute),
		RedisAddr:       getenv("REDIS_ADDR", ""),

		OutputDir: getenv("OUTPUT_DIR", "asset_output"),

		Kafka: KafkaCfg{
			Enabled: getbool("JOB_EVENTS_ENABLED", false),
			Brokers: splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "extract-job-events"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
