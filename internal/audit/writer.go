// Package audit implements the streaming per-run audit log: an append-only
// JSONL file bracketed by typed header and footer frames.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Frame types.
const (
	FrameHeader = "header"
	FrameFooter = "footer"
)

// Header is the first line of every audit log.
type Header struct {
	Meta       bool      `json:"_meta"`
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	WorkflowID string    `json:"workflow_id"`
	Platform   string    `json:"platform"`
	StartedAt  time.Time `json:"started_at"`
}

// Summary is the footer's aggregate over all record frames.
type Summary struct {
	Total     int     `json:"total"`
	Success   int     `json:"success"`
	Failed    int     `json:"failed"`
	NotFound  int     `json:"not_found"`
	MatchRate float64 `json:"match_rate"`
}

// Footer is the last line of a finalized audit log.
type Footer struct {
	Meta        bool      `json:"_meta"`
	Type        string    `json:"type"`
	CompletedAt time.Time `json:"completed_at"`
	Summary     Summary   `json:"summary"`
}

// Writer appends one workflow run's audit records to disk. Lifecycle:
// Initialize writes the header, Append one line per record, Finalize writes
// the footer and closes. Cleanup closes without a footer (error paths); the
// reader then tags the log incomplete.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	header    Header
	counters  Summary
	matched   int
	finalized bool
}

// NewWriter prepares a writer for one run. The file is created under
// {root}/{YYYY-MM-DD}/job_{platform}_{jobID}.jsonl with the calendar date
// taken in loc.
func NewWriter(root, platform, jobID, workflowID string, loc *time.Location) *Writer {
	if loc == nil {
		loc = time.Local
	}
	day := time.Now().In(loc).Format("2006-01-02")
	return &Writer{
		path: filepath.Join(root, day, fmt.Sprintf("job_%s_%s.jsonl", platform, jobID)),
		header: Header{
			Meta:       true,
			Type:       FrameHeader,
			JobID:      jobID,
			WorkflowID: workflowID,
			Platform:   platform,
		},
	}
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Initialize opens the file in append mode and writes the header frame.
func (w *Writer) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		return fmt.Errorf("op=audit.Initialize: already initialized")
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("op=audit.Initialize mkdir: %w", err)
	}
	// Group-readable so operators can inspect logs in place.
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("op=audit.Initialize open: %w", err)
	}
	w.f = f
	w.header.StartedAt = time.Now().UTC()
	if err := w.writeLine(w.header); err != nil {
		_ = f.Close()
		w.f = nil
		return err
	}
	return nil
}

// Append serializes one record as a single line and updates the counters.
// Appending after Finalize is an error.
func (w *Writer) Append(rec domain.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("op=audit.Append: writer not initialized")
	}
	if w.finalized {
		return fmt.Errorf("op=audit.Append: log already finalized")
	}
	if err := w.writeLine(rec); err != nil {
		return err
	}
	w.counters.Total++
	switch rec.Status {
	case domain.AuditSuccess:
		w.counters.Success++
	case domain.AuditNotFound:
		w.counters.NotFound++
	default:
		w.counters.Failed++
	}
	if rec.Match {
		w.matched++
	}
	observability.AuditRecordsTotal.WithLabelValues(rec.Platform, rec.Status).Inc()
	return nil
}

// Summary returns a snapshot of the incremental counters.
func (w *Writer) Summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.counters
	if s.Total > 0 {
		s.MatchRate = float64(w.matched) / float64(s.Total)
	}
	return s
}

// Finalize writes the footer frame and closes the file. The last line of a
// finalized log is always the footer.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("op=audit.Finalize: writer not initialized")
	}
	if w.finalized {
		return fmt.Errorf("op=audit.Finalize: log already finalized")
	}
	s := w.counters
	if s.Total > 0 {
		s.MatchRate = float64(w.matched) / float64(s.Total)
	}
	footer := Footer{Meta: true, Type: FrameFooter, CompletedAt: time.Now().UTC(), Summary: s}
	if err := w.writeLine(footer); err != nil {
		return err
	}
	w.finalized = true
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("op=audit.Finalize close: %w", err)
	}
	return nil
}

// Cleanup closes the file without a footer. Used on error paths so the
// truncated log remains on disk for inspection.
func (w *Writer) Cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
}

func (w *Writer) writeLine(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=audit.writeLine marshal: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := w.f.Write(raw); err != nil {
		return fmt.Errorf("op=audit.writeLine write: %w", err)
	}
	return nil
}
