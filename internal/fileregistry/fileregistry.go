// Package fileregistry stores uploaded files and generated reports on
// disk and tracks them in the file_uploads metadata table.
//
// Path policy: the storage path is always derived server-side as
// {dir}/{uuid}{ext}. Client-supplied names are recorded for display but
// never become path components, so a record ID is the only way to reach
// a file.
package fileregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"datadiff/internal/storage"
)

type Registry struct {
	Repo storage.Repository
	Dir  string
}

// New ensures the storage directory exists.
func New(repo storage.Repository, dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Registry{Repo: repo, Dir: dir}, nil
}

// Save streams src to disk under a fresh UUID and records it. The
// returned record has status "uploaded".
func (r *Registry) Save(ctx context.Context, filename, contentType string, src io.Reader) (*storage.FileRecord, error) {
	id := uuid.NewString()
	path := filepath.Join(r.Dir, id+safeExt(filename))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	rec := storage.FileRecord{
		ID:          id,
		Filename:    filepath.Base(filename),
		Path:        path,
		SizeBytes:   size,
		ContentType: contentType,
		Status:      storage.FileStatusUploaded,
	}
	if err := r.Repo.CreateFileRecord(ctx, rec); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &rec, nil
}

// Get returns the metadata record for id.
func (r *Registry) Get(ctx context.Context, id string) (*storage.FileRecord, error) {
	return r.Repo.GetFileRecord(ctx, id)
}

// Open resolves id to its record and an open handle on the stored bytes.
func (r *Registry) Open(ctx context.Context, id string) (*storage.FileRecord, io.ReadCloser, error) {
	rec, err := r.Repo.GetFileRecord(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", rec.Path, err)
	}
	return rec, f, nil
}

// List returns the most recent records.
func (r *Registry) List(ctx context.Context, limit int) ([]storage.FileRecord, error) {
	return r.Repo.ListFileRecords(ctx, limit)
}

// MarkImporting transitions a record into the importing state.
func (r *Registry) MarkImporting(ctx context.Context, id, datasetTable string) error {
	return r.setStatus(ctx, id, storage.FileStatusImporting, datasetTable, 0)
}

// MarkImported records a successful import and its row count.
func (r *Registry) MarkImported(ctx context.Context, id, datasetTable string, rows int64) error {
	return r.setStatus(ctx, id, storage.FileStatusImported, datasetTable, rows)
}

// MarkError records a failed import; rows holds whatever committed.
func (r *Registry) MarkError(ctx context.Context, id string, rows int64) error {
	return r.setStatus(ctx, id, storage.FileStatusError, "", rows)
}

func (r *Registry) setStatus(ctx context.Context, id, status, datasetTable string, rows int64) error {
	rec, err := r.Repo.GetFileRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = status
	if datasetTable != "" {
		rec.DatasetTable = datasetTable
	}
	if rows > 0 {
		rec.RowsImported = rows
	}
	return r.Repo.UpdateFileRecord(ctx, *rec)
}

// Delete removes the record and its bytes. A missing file on disk is not
// an error; the record is authoritative.
func (r *Registry) Delete(ctx context.Context, id string) error {
	rec, err := r.Repo.GetFileRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := r.Repo.DeleteFileRecord(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", rec.Path, err)
	}
	return nil
}

// safeExt keeps a short, dot-prefixed, path-free extension for the
// stored filename and drops anything suspicious.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	for _, r := range ext {
		if r != '.' && !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
