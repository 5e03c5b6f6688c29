// Package server exposes the upload, query, and file endpoints over HTTP.
// Handlers stay thin: they bind input, call the owning component, and map
// faults onto status codes; everything stateful lives behind the injected
// collaborators.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"datadiff/internal/config"
	"datadiff/internal/dataset"
	"datadiff/internal/diff"
	"datadiff/internal/fileregistry"
	"datadiff/internal/llm"
	"datadiff/internal/progress"
	"datadiff/internal/sqlquery"
	"datadiff/internal/storage"
)

// Server wires the HTTP surface to the domain components.
type Server struct {
	Repo     storage.Repository
	Engine   *diff.Engine
	Files    *fileregistry.Registry
	Progress *progress.Tracker
	Query    *sqlquery.Service
	LLM      config.LLMConfig
	Log      *slog.Logger

	// AllowedOrigins are echoed back for CORS; empty allows none.
	AllowedOrigins []string

	// NewGenerator is a seam for tests. When nil, llm.New is used.
	NewGenerator func(cfg llm.Config) (llm.Generator, error)
}

// Router builds the gin engine with all middleware and routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.requestID(), s.logRequests(), gin.Recovery(), s.cors())

	api := r.Group("/api")
	{
		api.GET("/datasets", s.listDatasets)
		api.POST("/datasets/:key/diff-upload", s.diffUpload)
		api.GET("/datasets/:key/diff-progress", s.diffProgress)

		api.POST("/files/upload", s.uploadFile)
		api.POST("/files/import/:id", s.importFile)
		api.GET("/files", s.listFiles)
		api.GET("/files/download/:id", s.downloadFile)

		api.POST("/sql-query", s.sqlQuery)
		api.POST("/sql-query/export", s.sqlQueryExport)

		api.POST("/call-llm", s.callLLM)
		api.POST("/call-llm-stream", s.callLLMStream)
	}
	r.GET("/health", s.health)

	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Server) generator(provider string) (llm.Generator, error) {
	cfg := llm.Config{Provider: provider}
	switch provider {
	case "gemini":
		cfg.Endpoint = s.LLM.GeminiEndpoint
		cfg.APIKey = s.LLM.GeminiKey
	default:
		cfg.Provider = "openai"
		cfg.Endpoint = s.LLM.OpenAIEndpoint
		cfg.APIKey = s.LLM.OpenAIKey
		cfg.Model = s.LLM.OpenAIModel
	}
	if s.NewGenerator != nil {
		return s.NewGenerator(cfg)
	}
	return llm.New(cfg)
}

// schemaDoc renders the current table shapes for the SQL-generation
// prompt. Datasets that have never been imported list their table name
// only.
func (s *Server) schemaDoc(ctx context.Context) string {
	var b strings.Builder
	for _, ds := range dataset.All() {
		fmt.Fprintf(&b, "%s (%s)", ds.Table, ds.DisplayName)
		cols, err := s.Repo.TableColumns(ctx, ds.Table)
		if err == nil && len(cols) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(cols, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
