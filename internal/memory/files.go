// Package memory keeps a conversation's long-term memory bounded. Old
// messages are folded into two workspace files: MEMORY.md, a document
// of durable facts rewritten on each consolidation, and HISTORY.md, an
// append-only log of timestamped summaries.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// File names inside the memory directory.
const (
	MemoryFile  = "MEMORY.md"
	HistoryFile = "HISTORY.md"
)

// HistoryTimeFormat stamps each history block.
const HistoryTimeFormat = "2006-01-02 15:04"

// historyStamp matches the "[YYYY-MM-DD HH:MM]" prefix of a block.
var historyStamp = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2})\]`)

// Files reads and writes the memory document and history log under one
// directory, normally <workspace>/memory.
type Files struct {
	dir string
	mu  sync.Mutex
}

// NewFiles returns a handle on the memory files in dir. The directory
// is created on first write.
func NewFiles(dir string) *Files {
	return &Files{dir: dir}
}

// Dir returns the memory directory.
func (f *Files) Dir() string { return f.dir }

// MemoryPath returns the path of the memory document.
func (f *Files) MemoryPath() string { return filepath.Join(f.dir, MemoryFile) }

// HistoryPath returns the path of the history log.
func (f *Files) HistoryPath() string { return filepath.Join(f.dir, HistoryFile) }

// ReadMemory returns the memory document, or "" if none exists yet.
func (f *Files) ReadMemory() (string, error) {
	data, err := os.ReadFile(f.MemoryPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

// WriteMemory replaces the memory document via a temporary file and
// rename.
func (f *Files) WriteMemory(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+MemoryFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write memory: %w", err)
	}
	if err := os.Rename(tmpName, f.MemoryPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace memory: %w", err)
	}
	return nil
}

// AppendHistory appends one block to the history log. Blocks are
// separated by a blank line and written with a single append so a
// concurrent reader sees either all of a block or none of it.
func (f *Files) AppendHistory(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	fh, err := os.OpenFile(f.HistoryPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := fh.WriteString(entry + "\n\n"); err != nil {
		fh.Close()
		return fmt.Errorf("append history: %w", err)
	}
	return fh.Close()
}

// ReadHistory returns the raw history log, or "" if none exists yet.
func (f *Files) ReadHistory() (string, error) {
	data, err := os.ReadFile(f.HistoryPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}
	return string(data), nil
}

// HistoryEntry is one block of the history log.
type HistoryEntry struct {
	// Time is parsed from the block's stamp; zero when the block has
	// no valid stamp.
	Time time.Time
	Text string
}

// ParseHistory splits a history log into blocks. A block starts at a
// line beginning with a "[YYYY-MM-DD HH:MM]" stamp and runs until the
// next stamped line; text before the first stamp forms an unstamped
// block. Stamps are read in loc.
func ParseHistory(text string, loc *time.Location) []HistoryEntry {
	var (
		entries []HistoryEntry
		cur     []string
		curTime time.Time
	)
	flush := func() {
		body := strings.TrimSpace(strings.Join(cur, "\n"))
		if body != "" {
			entries = append(entries, HistoryEntry{Time: curTime, Text: body})
		}
		cur = nil
		curTime = time.Time{}
	}

	for _, line := range strings.Split(text, "\n") {
		if m := historyStamp.FindStringSubmatch(line); m != nil {
			flush()
			if t, err := time.ParseInLocation(HistoryTimeFormat, m[1], loc); err == nil {
				curTime = t
			}
		}
		cur = append(cur, line)
	}
	flush()
	return entries
}

// Stamp prefixes text with a history stamp for t.
func Stamp(t time.Time, text string) string {
	return "[" + t.Format(HistoryTimeFormat) + "] " + text
}
