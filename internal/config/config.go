// Package config provides configuration loading for learnd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Dedup      DedupConfig      `koanf:"dedup"`
	Recall     RecallConfig     `koanf:"recall"`
	Rerank     RerankConfig     `koanf:"rerank"`
	Cache      CacheConfig      `koanf:"cache"`
	Coord      CoordConfig      `koanf:"coord"`
	Session    SessionConfig    `koanf:"session"`
	Retry      RetryConfig      `koanf:"retry"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Events     EventsConfig     `koanf:"events"`
	Scrub      ScrubConfig      `koanf:"scrub"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// Backend names accepted by database.backend.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendEmbedded = "embedded"
)

// DatabaseConfig selects and connects the backend store.
type DatabaseConfig struct {
	// URL is the single connection string of the vector-capable store.
	URL Secret `koanf:"url"`

	// Backend is postgres, sqlite or embedded.
	Backend string `koanf:"backend"`

	// FallbackPath is the sqlite file used as lexical-only fallback and as
	// row store of the embedded backend.
	FallbackPath string `koanf:"fallback_path"`

	// VectorPath is the chromem persistence directory of the embedded backend.
	VectorPath string `koanf:"vector_path"`

	MaxConns       int      `koanf:"max_conns"`
	HealthInterval Duration `koanf:"health_interval"`
}

// EmbeddingConfig configures the embedding providers.
type EmbeddingConfig struct {
	Provider        string   `koanf:"provider"`
	Fallback        string   `koanf:"fallback"`
	FallbackModel   string   `koanf:"fallback_model"`
	Model           string   `koanf:"model"`
	BaseURL         string   `koanf:"base_url"`
	APIKey          Secret   `koanf:"api_key"`
	CacheDir        string   `koanf:"cache_dir"`
	Dimension       int      `koanf:"dimension"`
	Timeout         Duration `koanf:"timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	CacheMaxEntries int64    `koanf:"cache_max_entries"`
}

// DedupConfig configures the deduplication gate.
type DedupConfig struct {
	Threshold     float64 `koanf:"threshold"`
	Scope         string  `koanf:"scope"`
	NeighborLimit int     `koanf:"neighbor_limit"`
}

// RecallConfig configures hybrid search.
type RecallConfig struct {
	RRFK           int      `koanf:"rrf_k"`
	RerankTopN     int      `koanf:"rerank_top_n"`
	CacheTTL       Duration `koanf:"cache_ttl"`
	HalfLife       Duration `koanf:"half_life"`
	DefaultLimit   int      `koanf:"default_limit"`
	CandidateLimit int      `koanf:"candidate_limit"`
	Timeout        Duration `koanf:"timeout"`
}

// RerankConfig selects the reranker.
type RerankConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
}

// CacheConfig configures the optional shared recall cache.
type CacheConfig struct {
	RedisAddr   string `koanf:"redis_addr"`
	RedisPrefix string `koanf:"redis_prefix"`
}

// CoordConfig configures the session registry and file claim ledger.
type CoordConfig struct {
	ActivityWindow Duration `koanf:"activity_window"`
	Timeout        Duration `koanf:"timeout"`
}

// SessionConfig is the explicit identity of this process. An empty ID is
// replaced by a generated one at startup.
type SessionConfig struct {
	ID      string `koanf:"id"`
	Project string `koanf:"project"`
}

// RetryConfig bounds retries of transient backend errors.
type RetryConfig struct {
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	Multiplier     float64  `koanf:"multiplier"`
}

// ExtractionConfig configures the background extraction queue.
type ExtractionConfig struct {
	Workers       int      `koanf:"workers"`
	QueueSize     int      `koanf:"queue_size"`
	Timeout       Duration `koanf:"timeout"`
	MinConfidence float64  `koanf:"min_confidence"`
}

// EventsConfig configures coordination event publishing.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
}

// ScrubConfig configures secret scrubbing of stored content.
type ScrubConfig struct {
	Enabled bool `koanf:"enabled"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"`
	Insecure       bool    `koanf:"insecure"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	SampleRate     float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Database: DatabaseConfig{
			Backend:        BackendPostgres,
			FallbackPath:   filepath.Join(dataDir, "learnd.db"),
			VectorPath:     filepath.Join(dataDir, "vectors"),
			MaxConns:       8,
			HealthInterval: Duration(15 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider:        "tei",
			Model:           "BAAI/bge-large-en-v1.5",
			BaseURL:         "http://localhost:8080",
			Dimension:       1024,
			Timeout:         Duration(5 * time.Second),
			RateLimit:       20,
			CacheMaxEntries: 10000,
		},
		Dedup: DedupConfig{
			Threshold:     0.92,
			Scope:         "project",
			NeighborLimit: 5,
		},
		Recall: RecallConfig{
			RRFK:           60,
			RerankTopN:     20,
			CacheTTL:       Duration(30 * time.Second),
			HalfLife:       Duration(14 * 24 * time.Hour),
			DefaultLimit:   10,
			CandidateLimit: 50,
			Timeout:        Duration(3 * time.Second),
		},
		Rerank: RerankConfig{
			Provider: "simple",
		},
		Cache: CacheConfig{
			RedisPrefix: "learnd:recall:",
		},
		Coord: CoordConfig{
			ActivityWindow: Duration(5 * time.Minute),
			Timeout:        Duration(2 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(2 * time.Second),
			Multiplier:     2,
		},
		Extraction: ExtractionConfig{
			Workers:       2,
			QueueSize:     64,
			Timeout:       Duration(30 * time.Second),
			MinConfidence: 0.5,
		},
		Scrub: ScrubConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "learnd",
			ServiceVersion: "0.1.0",
			SampleRate:     1.0,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendPostgres:
		if !c.Database.URL.IsSet() {
			return fmt.Errorf("database.url is required for the postgres backend")
		}
	case BackendSQLite, BackendEmbedded:
		if c.Database.FallbackPath == "" {
			return fmt.Errorf("database.fallback_path is required for the %s backend", c.Database.Backend)
		}
	default:
		return fmt.Errorf("database.backend must be postgres, sqlite or embedded, got %q", c.Database.Backend)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0, got %d", c.Embedding.Dimension)
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be in (0, 1], got %v", c.Dedup.Threshold)
	}
	if c.Dedup.Scope != "project" && c.Dedup.Scope != "session" {
		return fmt.Errorf("dedup.scope must be project or session, got %q", c.Dedup.Scope)
	}
	if c.Recall.RRFK <= 0 {
		return fmt.Errorf("recall.rrf_k must be > 0, got %d", c.Recall.RRFK)
	}
	if c.Recall.RerankTopN < 0 {
		return fmt.Errorf("recall.rerank_top_n must be >= 0, got %d", c.Recall.RerankTopN)
	}
	if c.Coord.ActivityWindow.Duration() <= 0 {
		return fmt.Errorf("coord.activity_window must be > 0")
	}
	switch c.Rerank.Provider {
	case "simple", "none":
	case "tei":
		if c.Rerank.BaseURL == "" {
			return fmt.Errorf("rerank.base_url is required for the tei reranker")
		}
	default:
		return fmt.Errorf("rerank.provider must be simple, tei or none, got %q", c.Rerank.Provider)
	}
	if c.Extraction.Workers <= 0 || c.Extraction.QueueSize <= 0 {
		return fmt.Errorf("extraction.workers and extraction.queue_size must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "learnd")
}
