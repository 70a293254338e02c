// Package report persists and presents evaluation runs: a timestamped run
// directory with JSON artifacts and a log tee, an XLSX workbook with charts
// and a colour-coded console table.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact names inside a run directory.
const (
	ResultsFile  = "results.json"
	MetadataFile = "metadata.json"
	WorkbookFile = "results.xlsx"
	LogFile      = "eval.log"
)

// Run is one evaluation run directory.
type Run struct {
	ID      string
	Dir     string
	Started time.Time

	meta map[string]any
}

// NewRun creates <base>/<timestamp>/ and seeds the run metadata.
func NewRun(base string) (*Run, error) {
	now := time.Now()
	dir := filepath.Join(base, now.Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	r := &Run{ID: uuid.NewString(), Dir: dir, Started: now}
	r.meta = map[string]any{
		"run_id":     r.ID,
		"git_commit": GitCommit(),
		"go_version": runtime.Version(),
		"timestamp":  now.UTC().Format(time.RFC3339),
	}
	return r, nil
}

// Path returns the path of name inside the run directory.
func (r *Run) Path(name string) string {
	return filepath.Join(r.Dir, name)
}

// Set records a metadata value. It is written by WriteMetadata.
func (r *Run) Set(key string, v any) {
	r.meta[key] = v
}

// Metadata returns a copy of the recorded metadata.
func (r *Run) Metadata() map[string]any {
	out := make(map[string]any, len(r.meta))
	for k, v := range r.meta {
		out[k] = v
	}
	return out
}

// WriteMetadata writes metadata.json, stamping the elapsed time so far.
func (r *Run) WriteMetadata() error {
	r.meta["elapsed"] = time.Since(r.Started).Round(time.Millisecond).String()
	return WriteJSON(r.Path(MetadataFile), r.meta)
}

// WriteResults writes v to results.json.
func (r *Run) WriteResults(v any) error {
	return WriteJSON(r.Path(ResultsFile), v)
}

// TeeLog makes slog write to both stderr and eval.log in the run directory.
// The caller closes the returned file.
func (r *Run) TeeLog(level slog.Level) (*os.File, error) {
	return SetupLogTee(r.Path(LogFile), os.Stderr, level)
}

// SetupLogTee installs a default text logger writing to both w and the file
// at path.
func SetupLogTee(path string, w io.Writer, level slog.Level) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	handler := slog.NewTextHandler(io.MultiWriter(w, f), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return f, nil
}

// GitCommit returns the current git HEAD short hash, or "unknown".
func GitCommit() string {
	out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

// WriteJSON marshals v to indented JSON and writes it to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
