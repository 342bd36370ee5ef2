// Package logstore implements the append-only per-(dialog, course) JSONL
// course log described in kernel spec §4.3. Appends for the same
// (dialogId, course) are serialized with a FifoMutex keyed on the course
// file's path so parallel test workspaces never collide; reads do not take
// the append lock (tail-truncation tolerance in the reader makes that
// safe, per §5 "Append serialization"). Grounded on bitop-dev-agent's JSONL
// session-file format (pkg/session.Session.writeLine / ParseLine /
// pkg/session.ParseMessages), generalized from one file per session to one
// file per (dialogId, course) and from a single in-process writer to a
// lock-guarded appender shared by any number of goroutines.
package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dialogkernel/kernel/pkg/kernel/fifomutex"
)

// Record is one JSONL line: a type tag plus the raw encoded payload. The
// dialog package defines the concrete PersistedRecord sum type and
// marshals/unmarshals through this envelope.
type Record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Store manages course logs rooted at a single directory (one dialog's
// durable state directory, or an ancestor of many — the append lock key
// includes the full file path so concurrent stores never collide even
// when rooted at different directories).
type Store struct {
	appendLocks *fifomutex.Keyed[string]
}

// New returns a Store. A single Store should be shared by every goroutine
// that might append to course logs under the same workspace root.
func New() *Store {
	return &Store{appendLocks: fifomutex.NewKeyed[string]()}
}

// CoursePath returns the on-disk path of a course's JSONL log given the
// dialog's durable directory and course number, zero-padded to 3 digits
// per the wire-compatible naming in kernel spec §6.
func CoursePath(dialogDir string, course int) string {
	return filepath.Join(dialogDir, fmt.Sprintf("course-%03d.jsonl", course))
}

// Append serializes record as one JSON line and appends it to the course's
// log file, creating the file and any missing directories if needed.
// Appends to the same path are mutually exclusive across goroutines.
func (s *Store) Append(dialogDir string, course int, record Record) error {
	path := CoursePath(dialogDir, course)
	release := s.appendLocks.Acquire(path)
	defer release()

	if err := os.MkdirAll(dialogDir, 0o755); err != nil {
		return fmt.Errorf("logstore: mkdir %s: %w", dialogDir, err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("logstore: marshal record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logstore: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("logstore: append %s: %w", path, err)
	}
	return f.Sync()
}

// Read parses every record in a course's log file in order. A JSON parse
// failure on the final non-empty line is tolerated (and silently dropped)
// only when it looks like a truncated write — an unterminated crash tail,
// per kernel spec §4.3 / §7. A parse failure on any earlier line is fatal,
// since it indicates corruption rather than an in-flight crash.
//
// ENOENT (course log does not exist yet) returns an empty slice, not an
// error — a freshly started course has no log file until the first Append.
func (s *Store) Read(dialogDir string, course int) ([]Record, error) {
	path := CoursePath(dialogDir, course)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("logstore: scan %s: %w", path, err)
	}

	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if i == len(lines)-1 && looksTruncated(line, err) {
				break // crash tail: silently ignored
			}
			return nil, fmt.Errorf("logstore: parse %s line %d: %w", path, i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// looksTruncated reports whether a JSON parse error on a line is
// consistent with the process having been killed mid-write (an
// unterminated object/string/array) rather than genuine corruption.
func looksTruncated(line string, err error) bool {
	trimmed := strings.TrimRight(line, " \t")
	if trimmed == "" {
		return true
	}
	last := trimmed[len(trimmed)-1]
	switch last {
	case '{', '[', ',', ':', '"':
		return true
	}
	// encoding/json reports unexpected end of input distinctly; treat that
	// as the truncation signature regardless of the trailing byte.
	if errorLooksLikeEOF(err) {
		return true
	}
	// A line missing its closing brace/bracket entirely.
	if strings.Count(trimmed, "{") != strings.Count(trimmed, "}") {
		return true
	}
	if strings.Count(trimmed, "[") != strings.Count(trimmed, "]") {
		return true
	}
	return false
}

func errorLooksLikeEOF(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON input") ||
		strings.Contains(msg, "unexpected EOF")
}

// HighestCourse scans dialogDir for course-NNN.jsonl files and returns the
// highest course number present, or 0 if none exist.
func HighestCourse(dialogDir string) (int, error) {
	entries, err := os.ReadDir(dialogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("logstore: readdir %s: %w", dialogDir, err)
	}
	highest := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "course-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "course-"), ".jsonl")
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// EnsureDir creates dialogDir if missing, matching AtomicFile's
// mkdir-before-write convention for sibling metadata files.
func EnsureDir(dialogDir string) error {
	return os.MkdirAll(dialogDir, 0o755)
}
