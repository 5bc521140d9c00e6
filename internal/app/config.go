package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	StoreDriver        string
	SQLitePath         string
	MongoURI           string
	MongoDatabase      string
	MongoCollection    string
	DownloadDir        string // seeds settings on first run
	EngineDataDir      string
	EngineListenPort   int
	EngineNoDHT        bool
	SchedulerTick      time.Duration
	ReattachTimeout    time.Duration
	ReattachParallel   int64
	CORSAllowedOrigins []string
	OTLPEndpoint       string
	TraceSampleRate    string
}

func LoadConfig() Config {
	dataDir := getEnv("ENGINE_DATA_DIR", "data")
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", "127.0.0.1:8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:         getEnv("SQLITE_PATH", filepath.Join(dataDir, "torrentdesk.db")),
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:      getEnv("MONGO_DB", "torrentdesk"),
		MongoCollection:    getEnv("MONGO_COLLECTION", "torrents"),
		DownloadDir:        getEnv("DOWNLOAD_DIR", defaultDownloadDir()),
		EngineDataDir:      dataDir,
		EngineListenPort:   int(getEnvInt64("ENGINE_LISTEN_PORT", 42069)),
		EngineNoDHT:        getEnvBool("ENGINE_NO_DHT", false),
		SchedulerTick:      getEnvDuration("SCHEDULER_TICK", time.Minute),
		ReattachTimeout:    getEnvDuration("REATTACH_TIMEOUT", 30*time.Second),
		ReattachParallel:   getEnvInt64("REATTACH_PARALLELISM", 4),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRate:    getEnv("OTEL_TRACE_SAMPLE_RATE", ""),
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "torrentdesk", "downloads")
	}
	return filepath.Join(home, "Downloads", "torrentdesk")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
