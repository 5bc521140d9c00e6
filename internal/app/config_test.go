package app

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

var configEnvVars = []string{
	"HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT", "STORE_DRIVER", "SQLITE_PATH",
	"MONGO_URI", "MONGO_DB", "MONGO_COLLECTION", "DOWNLOAD_DIR",
	"ENGINE_DATA_DIR", "ENGINE_LISTEN_PORT", "ENGINE_NO_DHT",
	"SCHEDULER_TICK", "REATTACH_TIMEOUT", "REATTACH_PARALLELISM",
	"CORS_ALLOWED_ORIGINS", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_TRACE_SAMPLE_RATE",
}

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range configEnvVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, "127.0.0.1:8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"StoreDriver", cfg.StoreDriver, "sqlite"},
		{"SQLitePath", cfg.SQLitePath, filepath.Join("data", "torrentdesk.db")},
		{"MongoURI", cfg.MongoURI, "mongodb://localhost:27017"},
		{"MongoDatabase", cfg.MongoDatabase, "torrentdesk"},
		{"MongoCollection", cfg.MongoCollection, "torrents"},
		{"EngineDataDir", cfg.EngineDataDir, "data"},
		{"EngineListenPort", cfg.EngineListenPort, 42069},
		{"EngineNoDHT", cfg.EngineNoDHT, false},
		{"SchedulerTick", cfg.SchedulerTick, time.Minute},
		{"ReattachTimeout", cfg.ReattachTimeout, 30 * time.Second},
		{"ReattachParallel", cfg.ReattachParallel, int64(4)},
		{"OTLPEndpoint", cfg.OTLPEndpoint, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	if cfg.DownloadDir == "" || !filepath.IsAbs(cfg.DownloadDir) {
		t.Errorf("DownloadDir: got %q, want an absolute default", cfg.DownloadDir)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Errorf("CORSAllowedOrigins: got %v, want nil/empty", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	setEnvs(t, map[string]string{
		"HTTP_ADDR":                   ":9090",
		"LOG_LEVEL":                   "DEBUG",
		"LOG_FORMAT":                  "JSON",
		"STORE_DRIVER":                "Mongo",
		"SQLITE_PATH":                 "/var/lib/td.db",
		"MONGO_URI":                   "mongodb://remote:27017",
		"MONGO_DB":                    "mydb",
		"MONGO_COLLECTION":            "mytorrents",
		"DOWNLOAD_DIR":                "/srv/downloads",
		"ENGINE_DATA_DIR":             "/srv/engine",
		"ENGINE_LISTEN_PORT":          "6881",
		"ENGINE_NO_DHT":               "true",
		"SCHEDULER_TICK":              "30s",
		"REATTACH_TIMEOUT":            "45",
		"REATTACH_PARALLELISM":        "8",
		"CORS_ALLOWED_ORIGINS":        "http://localhost:3000, https://example.com",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4318",
		"OTEL_TRACE_SAMPLE_RATE":      "0.5",
	})

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":9090"},
		{"LogLevel", cfg.LogLevel, "debug"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"StoreDriver", cfg.StoreDriver, "mongo"},
		{"SQLitePath", cfg.SQLitePath, "/var/lib/td.db"},
		{"MongoURI", cfg.MongoURI, "mongodb://remote:27017"},
		{"MongoDatabase", cfg.MongoDatabase, "mydb"},
		{"MongoCollection", cfg.MongoCollection, "mytorrents"},
		{"DownloadDir", cfg.DownloadDir, "/srv/downloads"},
		{"EngineDataDir", cfg.EngineDataDir, "/srv/engine"},
		{"EngineListenPort", cfg.EngineListenPort, 6881},
		{"EngineNoDHT", cfg.EngineNoDHT, true},
		{"SchedulerTick", cfg.SchedulerTick, 30 * time.Second},
		{"ReattachTimeout", cfg.ReattachTimeout, 45 * time.Second},
		{"ReattachParallel", cfg.ReattachParallel, int64(8)},
		{"OTLPEndpoint", cfg.OTLPEndpoint, "localhost:4318"},
		{"TraceSampleRate", cfg.TraceSampleRate, "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	if want := []string{"http://localhost:3000", "https://example.com"}; !slices.Equal(cfg.CORSAllowedOrigins, want) {
		t.Errorf("CORSAllowedOrigins: got %v, want %v", cfg.CORSAllowedOrigins, want)
	}
}

func TestGetEnvInt64InvalidFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int64
	}{
		{"non-numeric", "abc", 99},
		{"negative", "-5", 99},
		{"float", "1.5", 99},
		{"valid", "7", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.value)
			if got := getEnvInt64("TEST_INT", 99); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"2m", 2 * time.Minute},
		{"15", 15 * time.Second},
		{"0", time.Minute},
		{"-1s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "maybe")
	if getEnvBool("TEST_BOOL", true) != true {
		t.Errorf("invalid bool should fall back")
	}
	t.Setenv("TEST_BOOL", "0")
	if getEnvBool("TEST_BOOL", true) != false {
		t.Errorf("0 should parse as false")
	}
}
