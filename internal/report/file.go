package report

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ashita-ai/selfplay/internal/model"
)

const reportFileName = "report.json"

// FileStore writes each report to <dir>/<runID>/report.json.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. Nothing is created until the
// first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns where the report for runID is stored.
func (s *FileStore) Path(runID string) string {
	return filepath.Join(s.dir, runID, reportFileName)
}

// Save writes the report through a temporary file and a rename, so readers
// see either the previous report or the new one.
func (s *FileStore) Save(_ context.Context, runID string, rep model.Report) (string, error) {
	if err := validRunID(runID); err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}

	path := s.Path(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), reportFileName+".*.tmp")
	if err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	return path, nil
}

func (s *FileStore) Load(_ context.Context, runID string) (model.Report, error) {
	if err := validRunID(runID); err != nil {
		return model.Report{}, &StorageError{Op: "load", RunID: runID, Err: err}
	}
	body, err := os.ReadFile(s.Path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Report{}, ErrNotFound
	}
	if err != nil {
		return model.Report{}, &StorageError{Op: "load", RunID: runID, Err: err}
	}
	var rep model.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return model.Report{}, &StorageError{Op: "load", RunID: runID, Err: err}
	}
	return rep, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// validRunID keeps run ids from escaping the store directory.
func validRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || !filepath.IsLocal(runID) || filepath.Base(runID) != runID {
		return errors.New("invalid run id")
	}
	return nil
}
