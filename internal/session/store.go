package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store persists sessions. Save replaces the stored session wholesale,
// so a reader never observes half of a turn.
type Store interface {
	// Load returns the stored session for key, or ErrNotFound.
	Load(ctx context.Context, key string) (*Session, error)
	// Save durably replaces the stored copy of s.
	Save(ctx context.Context, s *Session) error
	// List summarizes every stored session, ordered by key.
	List(ctx context.Context) ([]Info, error)
}

// Info summarizes one stored session without loading its messages.
type Info struct {
	Key       string
	Messages  int
	UpdatedAt time.Time
	// ParseErrors counts stored records that could not be decoded.
	ParseErrors int
	// ParseError is the first decode failure, for reporting.
	ParseError string
}

// metadataType tags the header record of a session log.
const metadataType = "metadata"

// metadataRecord is the first line of every session log file.
type metadataRecord struct {
	Type      string         `json:"_type"`
	Key       string         `json:"key"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// maxLineSize bounds a single session log record.
const maxLineSize = 16 << 20

// FileStore keeps one JSONL log per session under a directory: a
// metadata header record followed by one message per line.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding session logs.
func (st *FileStore) Dir() string { return st.dir }

// Path returns the log file used for key. Distinct keys always map to
// distinct files.
func (st *FileStore) Path(key string) string {
	return filepath.Join(st.dir, escapeKey(key)+".jsonl")
}

// escapeKey percent-encodes every byte outside [A-Za-z0-9._-], and a
// leading dot. The percent sign itself is encoded, so the mapping is
// reversible.
func escapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '_', c == '-', c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// keyFromFilename recovers the key of a log whose header is missing.
func keyFromFilename(name string) string {
	base := strings.TrimSuffix(name, ".jsonl")
	if key, err := url.PathUnescape(base); err == nil {
		return key
	}
	return base
}

// Load reads the log for key. Records that fail to decode are skipped
// and logged; the metadata record is never returned as a message.
func (st *FileStore) Load(ctx context.Context, key string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(st.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", key, err)
	}

	s, parseErrs := decodeLog(data)
	switch {
	case s.Key == "":
		s.Key = key
	case s.Key != key:
		return nil, fmt.Errorf("%w: %s holds %q, want %q", ErrKeyMismatch, filepath.Base(st.Path(key)), s.Key, key)
	}
	for _, perr := range parseErrs {
		st.logger.Warn("skipping unreadable session record",
			"session", key, "error", perr)
	}
	return s, nil
}

// Save rewrites the log for s through a temporary file and rename, so
// the previous log stays intact if the write fails part way.
func (st *FileStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	header := metadataRecord{
		Type:      metadataType,
		Key:       s.Key,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Metadata:  s.Metadata,
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode session header: %w", err)
	}
	for i, m := range s.Messages {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode message %d: %w", i, err)
		}
	}

	return writeFileAtomic(st.Path(s.Key), buf.Bytes())
}

// List summarizes every *.jsonl log in the directory.
func (st *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(st.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			infos = append(infos, Info{
				Key:         keyFromFilename(e.Name()),
				ParseErrors: 1,
				ParseError:  err.Error(),
			})
			continue
		}

		s, parseErrs := decodeLog(data)
		info := Info{
			Key:         s.Key,
			Messages:    len(s.Messages),
			UpdatedAt:   s.UpdatedAt,
			ParseErrors: len(parseErrs),
		}
		if info.Key == "" {
			info.Key = keyFromFilename(e.Name())
		}
		if len(parseErrs) > 0 {
			info.ParseError = parseErrs[0].Error()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// decodeLog parses a JSONL session log. It never fails outright; each
// undecodable line is reported and skipped.
func decodeLog(data []byte) (*Session, []error) {
	s := &Session{Metadata: map[string]any{}}
	var errs []error

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}

		if probe.Type == metadataType {
			var meta metadataRecord
			if err := json.Unmarshal(raw, &meta); err != nil {
				errs = append(errs, fmt.Errorf("line %d: %w", line, err))
				continue
			}
			s.Key = meta.Key
			s.CreatedAt = meta.CreatedAt
			s.UpdatedAt = meta.UpdatedAt
			if meta.Metadata != nil {
				s.Metadata = meta.Metadata
			}
			continue
		}

		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		if m.Role == "" {
			errs = append(errs, fmt.Errorf("line %d: record has no role", line))
			continue
		}
		s.Messages = append(s.Messages, m)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("line %d: %w", line+1, err))
	}
	return s, errs
}

// writeFileAtomic writes data to a temporary file beside path and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
