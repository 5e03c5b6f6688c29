// Package config loads the service configuration from the environment.
// A .env file in the working directory is read first when present, so
// local runs and deployments configure the same way.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// StorageKind selects the storage backend: postgres, sqlite, mssql.
	StorageKind string
	// DatabaseURL is the backend DSN.
	DatabaseURL string

	// Port is the HTTP listen port.
	Port int
	// UploadDir is where uploaded files and generated reports live.
	UploadDir string
	// BatchSize is the bulk-write batch size; the writer clamps it.
	BatchSize int
	// AllowedOrigins are the CORS origins the API accepts.
	AllowedOrigins []string

	LLM LLMConfig

	// MetricsBackend selects the metrics sink: "datadog" or "" (none).
	MetricsBackend string
}

// LLMConfig carries the text-generation provider settings. Keys may be
// empty; the LLM endpoints then report the provider as unconfigured
// instead of the process failing to start.
type LLMConfig struct {
	Provider       string
	OpenAIKey      string
	OpenAIEndpoint string
	OpenAIModel    string
	GeminiKey      string
	GeminiEndpoint string
}

// Load reads .env (if any) and the environment. It returns an error only
// for values that cannot work at all, like a missing DSN or an
// unparsable port.
func Load() (Config, error) {
	// A missing .env is the normal case in deployments.
	_ = godotenv.Load()

	cfg := Config{
		StorageKind:    getenv("STORAGE_KIND", "postgres"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		UploadDir:      getenv("UPLOAD_DIR", "uploads"),
		MetricsBackend: os.Getenv("METRICS_BACKEND"),
		LLM: LLMConfig{
			Provider:       getenv("LLM_PROVIDER", "openai"),
			OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
			OpenAIEndpoint: os.Getenv("OPENAI_API_ENDPOINT"),
			OpenAIModel:    getenv("OPENAI_MODEL", "gpt-3.5-turbo"),
			GeminiKey:      os.Getenv("GEMINI_API_KEY"),
			GeminiEndpoint: os.Getenv("GEMINI_ENDPOINT"),
		},
	}

	if cfg.DatabaseURL == "" {
		if cfg.StorageKind != "sqlite" {
			return Config{}, fmt.Errorf("config: DATABASE_URL is required for storage kind %q", cfg.StorageKind)
		}
		cfg.DatabaseURL = "datadiff.db"
	}

	var err error
	if cfg.Port, err = getint("PORT", 8000); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = getint("BATCH_SIZE", 0); err != nil {
		return Config{}, err
	}

	origins := getenv("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
