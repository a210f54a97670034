package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/metrics"
)

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeName makes a value safe to use as a path segment. Empty or fully
// unsafe values collapse to "_".
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = unsafePathChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ".")
	if len(name) > 64 {
		name = name[:64]
	}
	if name == "" {
		return "_"
	}
	return name
}

// timestampPrefix renders a UTC instant as yyyyMMddHHmmssfff, the sortable
// prefix of action journal directory names.
func timestampPrefix(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/1e6)
}

// pathLock returns the mutex guarding a single file path
func (j *Journal) pathLock(path string) *sync.Mutex {
	lock, _ := j.fileLocks.LoadOrStore(path, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// writeJSON serializes v as indented JSON and replaces the whole file
func (j *Journal) writeJSON(path string, v any) error {
	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to create dir for %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON loads a whole JSON document
func (j *Journal) readJSON(path string, v any) error {
	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// appendJSONLine appends one compact JSON document plus newline
func (j *Journal) appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to marshal index line: %w", err)
	}
	return j.appendLine(path, string(data))
}

// appendLine appends a single line to a file, creating it on first use
func (j *Journal) appendLine(path, line string) error {
	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to create dir for %s: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		metrics.RecordJournalWriteError()
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	return nil
}
