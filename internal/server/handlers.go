package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"datadiff/internal/dataset"
	"datadiff/internal/diff"
	"datadiff/internal/llm"
	"datadiff/internal/sqlquery"
	"datadiff/internal/storage"
)

type datasetDoc struct {
	Key           string   `json:"key"`
	DisplayName   string   `json:"displayName"`
	Table         string   `json:"table"`
	UniqueColumns []string `json:"uniqueColumns"`
	Correction    bool     `json:"correction"`
}

func (s *Server) listDatasets(c *gin.Context) {
	all := dataset.All()
	docs := make([]datasetDoc, len(all))
	for i, ds := range all {
		docs[i] = datasetDoc{
			Key:           ds.Key,
			DisplayName:   ds.DisplayName,
			Table:         ds.Table,
			UniqueColumns: ds.UniqueColumns,
			Correction:    ds.Correction,
		}
	}
	ok(c, docs)
}

// diffUploadDoc is the upload response: the engine's result plus the
// report download location.
type diffUploadDoc struct {
	*diff.Result
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl"`
	RowCount    int64  `json:"rowCount"`
}

func (s *Server) diffUpload(c *gin.Context) {
	ds, err := dataset.Get(c.Param("key"))
	if err != nil {
		fail(c, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		failBadRequest(c, "multipart field \"file\" is required")
		return
	}
	src, err := fh.Open()
	if err != nil {
		fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer src.Close()

	res, err := s.Engine.DiffUpload(c.Request.Context(), ds, src, diff.UploadMeta{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, diffUploadDoc{
		Result:      res,
		Filename:    res.ReportFilename,
		DownloadURL: "/api/files/download/" + res.ReportFileID,
		RowCount:    res.TotalRows,
	})
}

func (s *Server) diffProgress(c *gin.Context) {
	key := c.Param("key")
	if _, err := dataset.Get(key); err != nil {
		fail(c, err)
		return
	}
	st, found := s.Progress.Get(key)
	if !found {
		c.JSON(http.StatusNotFound, envelope{Success: false, Error: &errorDoc{
			Type:    "not_found",
			Message: "no upload in progress for dataset " + key,
		}})
		return
	}
	ok(c, st)
}

type fileDoc struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	SizeBytes    int64  `json:"sizeBytes"`
	ContentType  string `json:"contentType"`
	Status       string `json:"status"`
	DatasetTable string `json:"datasetTable,omitempty"`
	RowsImported int64  `json:"rowsImported"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

func toFileDoc(r *storage.FileRecord) fileDoc {
	return fileDoc{
		ID:           r.ID,
		Filename:     r.Filename,
		SizeBytes:    r.SizeBytes,
		ContentType:  r.ContentType,
		Status:       r.Status,
		DatasetTable: r.DatasetTable,
		RowsImported: r.RowsImported,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) uploadFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		failBadRequest(c, "multipart field \"file\" is required")
		return
	}
	src, err := fh.Open()
	if err != nil {
		fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer src.Close()

	rec, err := s.Files.Save(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), src)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, toFileDoc(rec))
}

type importRequest struct {
	DatasetKey string `json:"datasetKey" binding:"required"`
}

// importFile runs the diff pipeline over a previously uploaded file. The
// record's status moves importing -> imported (or error) as the engine
// progresses.
func (s *Server) importFile(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "datasetKey is required")
		return
	}
	ds, err := dataset.Get(req.DatasetKey)
	if err != nil {
		fail(c, err)
		return
	}

	id := c.Param("id")
	rec, src, err := s.Files.Open(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	defer src.Close()

	res, err := s.Engine.DiffUpload(c.Request.Context(), ds, src, diff.UploadMeta{
		Filename:    rec.Filename,
		ContentType: rec.ContentType,
		FileID:      id,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, diffUploadDoc{
		Result:      res,
		Filename:    res.ReportFilename,
		DownloadURL: "/api/files/download/" + res.ReportFileID,
		RowCount:    res.TotalRows,
	})
}

func (s *Server) listFiles(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			failBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.Files.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	docs := make([]fileDoc, len(recs))
	for i := range recs {
		docs[i] = toFileDoc(&recs[i])
	}
	ok(c, docs)
}

func (s *Server) downloadFile(c *gin.Context) {
	rec, src, err := s.Files.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	defer src.Close()

	c.DataFromReader(http.StatusOK, rec.SizeBytes, rec.ContentType, src, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", rec.Filename),
	})
}

type sqlRequest struct {
	SQL string `json:"sql" binding:"required"`
}

func (s *Server) sqlQuery(c *gin.Context) {
	var req sqlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "sql is required")
		return
	}
	rs, err := s.Query.Execute(c.Request.Context(), req.SQL)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rs.Maps())
}

func (s *Server) sqlQueryExport(c *gin.Context) {
	var req sqlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "sql is required")
		return
	}
	rec, err := s.Query.Export(c.Request.Context(), req.SQL)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"fileId":      rec.ID,
		"filename":    rec.Filename,
		"downloadUrl": "/api/files/download/" + rec.ID,
	})
}

type llmRequest struct {
	UserInput string `json:"userInput" binding:"required"`
	ModelType string `json:"modelType"`
}

func (s *Server) callLLM(c *gin.Context) {
	var req llmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "userInput is required")
		return
	}
	gen, err := s.generator(req.ModelType)
	if err != nil {
		fail(c, err)
		return
	}
	prompt := llm.SQLPrompt(req.UserInput, s.schemaDoc(c.Request.Context()))
	out, err := gen.Generate(c.Request.Context(), prompt)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"sql": sqlquery.Clean(out)})
}

// streamEvent is one SSE frame of the streaming LLM call. The frontend
// re-renders thinking and sql on every frame, so both carry the full
// accumulated text, not a delta.
type streamEvent struct {
	Thinking   string `json:"thinking"`
	SQL        string `json:"sql"`
	IsComplete bool   `json:"isComplete"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) callLLMStream(c *gin.Context) {
	var req llmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "userInput is required")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	emit := func(ev streamEvent) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
		c.Writer.Flush()
	}

	gen, err := s.generator(s.LLM.Provider)
	if err != nil {
		emit(streamEvent{Error: err.Error()})
		return
	}

	prompt := llm.ThinkingPrompt(req.UserInput, s.schemaDoc(c.Request.Context()))
	var full string
	err = gen.GenerateStream(c.Request.Context(), prompt, func(chunk string) error {
		full += chunk
		thinking, sql := llm.SplitThinking(full)
		emit(streamEvent{Thinking: thinking, SQL: sql})
		return nil
	})
	if err != nil {
		emit(streamEvent{Error: err.Error()})
		return
	}

	thinking, sql := llm.SplitThinking(full)
	emit(streamEvent{Thinking: thinking, SQL: sql, IsComplete: true})
}

func (s *Server) health(c *gin.Context) {
	db := "connected"
	if _, _, err := s.Repo.Query(c.Request.Context(), "SELECT 1"); err != nil {
		db = "error"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"database":  db,
	})
}
