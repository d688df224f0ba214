package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Log is a parsed audit file. Incomplete is set when the footer frame is
// missing (truncated run); Footer is nil in that case.
type Log struct {
	Header     Header
	Records    []domain.AuditRecord
	Footer     *Footer
	Incomplete bool
}

// metaProbe sniffs the frame marker before committing to a decode shape.
type metaProbe struct {
	Meta bool   `json:"_meta"`
	Type string `json:"type"`
}

// ReadFile parses a full audit log. Line 1 must be a header frame; readers
// tolerate a missing footer.
func ReadFile(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("op=audit.ReadFile open: %w", err)
	}
	defer func() { _ = f.Close() }()

	lg := &Log{Incomplete: true}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		lineNo++
		var probe metaProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("op=audit.ReadFile line=%d: %w", lineNo, err)
		}
		switch {
		case probe.Meta && probe.Type == FrameHeader:
			if lineNo != 1 {
				return nil, fmt.Errorf("op=audit.ReadFile: header frame at line %d", lineNo)
			}
			if err := json.Unmarshal(line, &lg.Header); err != nil {
				return nil, fmt.Errorf("op=audit.ReadFile header: %w", err)
			}
		case probe.Meta && probe.Type == FrameFooter:
			var ft Footer
			if err := json.Unmarshal(line, &ft); err != nil {
				return nil, fmt.Errorf("op=audit.ReadFile footer: %w", err)
			}
			lg.Footer = &ft
			lg.Incomplete = false
		case probe.Meta:
			// Unknown meta frames are skipped, not fatal.
		default:
			if lineNo == 1 {
				return nil, fmt.Errorf("op=audit.ReadFile: first line is not a header frame")
			}
			var rec domain.AuditRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("op=audit.ReadFile record line=%d: %w", lineNo, err)
			}
			lg.Records = append(lg.Records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.ReadFile scan: %w", err)
	}
	if lineNo == 0 {
		return nil, fmt.Errorf("op=audit.ReadFile: empty log")
	}
	return lg, nil
}

// EachRecord streams record frames to fn, skipping meta frames. Used by the
// reconciliation stage so large logs never load fully into memory.
func EachRecord(path string, fn func(domain.AuditRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("op=audit.EachRecord open: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe metaProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return fmt.Errorf("op=audit.EachRecord: %w", err)
		}
		if probe.Meta {
			continue
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("op=audit.EachRecord record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
