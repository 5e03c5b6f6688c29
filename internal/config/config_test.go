package config

import (
	"testing"
)

// These tests mutate the environment via t.Setenv and therefore cannot
// run in parallel.

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_KIND", "sqlite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("BATCH_SIZE", "")
	t.Setenv("CORS_ORIGINS", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("OPENAI_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageKind != "sqlite" || cfg.DatabaseURL != "datadiff.db" {
		t.Fatalf("storage = %q dsn = %q", cfg.StorageKind, cfg.DatabaseURL)
	}
	if cfg.Port != 8000 || cfg.Addr() != ":8000" {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.UploadDir != "uploads" || cfg.BatchSize != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.OpenAIModel != "gpt-3.5-turbo" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
}

func TestLoad_Explicit(t *testing.T) {
	t.Setenv("STORAGE_KIND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://app@db/datadiff")
	t.Setenv("PORT", "9090")
	t.Setenv("BATCH_SIZE", "1500")
	t.Setenv("UPLOAD_DIR", "/var/lib/datadiff/uploads")
	t.Setenv("CORS_ORIGINS", "https://ops.example.com, https://ops2.example.com")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "gk")
	t.Setenv("METRICS_BACKEND", "datadog")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.BatchSize != 1500 || cfg.UploadDir != "/var/lib/datadiff/uploads" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://ops2.example.com" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.GeminiKey != "gk" || cfg.MetricsBackend != "datadog" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_MissingDSN(t *testing.T) {
	t.Setenv("STORAGE_KIND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoad_BadPort(t *testing.T) {
	t.Setenv("STORAGE_KIND", "sqlite")
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad PORT")
	}
}
