// Package history persists the measured configurations of each session as
// an append-only text log, one line per distinct configuration.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/harmonyd/internal/space"
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidSessionName reports whether name can key a history file.
func ValidSessionName(name string) bool {
	return sessionNamePattern.MatchString(name)
}

// Entry is one measured configuration.
type Entry struct {
	Index  []int64
	Perf   float64
	Client int64
	Time   time.Time
}

// Key is the dedup key of the entry's configuration.
func (e Entry) Key() string {
	return space.Point{Index: e.Index}.IndexString()
}

// String renders the log line.
func (e Entry) String() string {
	return fmt.Sprintf("idx=%s perf=%s client=%d time=%s",
		e.Key(),
		strconv.FormatFloat(e.Perf, 'g', -1, 64),
		e.Client,
		e.Time.UTC().Format(time.RFC3339))
}

// ParseEntry decodes one log line.
func ParseEntry(line string) (Entry, error) {
	var e Entry
	for _, field := range strings.Fields(line) {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return Entry{}, fmt.Errorf("history: malformed field %q", field)
		}
		switch name {
		case "idx":
			if value == "" {
				continue
			}
			for _, part := range strings.Split(value, ",") {
				n, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					return Entry{}, fmt.Errorf("history: idx %q: %w", value, err)
				}
				e.Index = append(e.Index, n)
			}
		case "perf":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Entry{}, fmt.Errorf("history: perf %q: %w", value, err)
			}
			e.Perf = f
		case "client":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Entry{}, fmt.Errorf("history: client %q: %w", value, err)
			}
			e.Client = n
		case "time":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Entry{}, fmt.Errorf("history: time %q: %w", value, err)
			}
			e.Time = ts
		}
	}
	return e, nil
}

// Log is the history of every session under one directory. An empty
// directory keeps history in memory only.
type Log struct {
	dir string

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	entries []Entry
	seen    map[string]struct{}
	loaded  bool
}

// Open prepares dir for writing.
func Open(dir string) (*Log, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: prepare %s: %w", dir, err)
		}
	}
	return &Log{dir: dir, sessions: make(map[string]*sessionLog)}, nil
}

// Dir returns the backing directory.
func (l *Log) Dir() string { return l.dir }

func (l *Log) path(session string) string {
	return filepath.Join(l.dir, session+".log")
}

func (l *Log) session(name string) (*sessionLog, error) {
	if !ValidSessionName(name) {
		return nil, fmt.Errorf("history: invalid session name %q", name)
	}
	s, ok := l.sessions[name]
	if !ok {
		s = &sessionLog{seen: make(map[string]struct{})}
		l.sessions[name] = s
	}
	if s.loaded || l.dir == "" {
		s.loaded = true
		return s, nil
	}
	f, err := os.Open(l.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		s.loaded = true
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", name, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			return nil, err
		}
		if _, dup := s.seen[e.Key()]; dup {
			continue
		}
		s.seen[e.Key()] = struct{}{}
		s.entries = append(s.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: read %s: %w", name, err)
	}
	s.loaded = true
	return s, nil
}

// Append records entries whose configuration the session has not logged
// before. It returns how many were new.
func (l *Log) Append(session string, entries ...Entry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.session(session)
	if err != nil {
		return 0, err
	}
	var fresh []Entry
	for _, e := range entries {
		key := e.Key()
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	s.entries = append(s.entries, fresh...)
	if l.dir == "" {
		return len(fresh), nil
	}
	f, err := os.OpenFile(l.path(session), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("history: open %s: %w", session, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range fresh {
		w.WriteString(e.String())
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("history: write %s: %w", session, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("history: close %s: %w", session, err)
	}
	return len(fresh), nil
}

// Since returns the entries of session from position since on.
func (l *Log) Since(session string, since int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.session(session)
	if err != nil {
		return nil, err
	}
	if since < 0 {
		since = 0
	}
	if since >= len(s.entries) {
		return nil, nil
	}
	out := make([]Entry, len(s.entries)-since)
	copy(out, s.entries[since:])
	return out, nil
}

// Len returns how many distinct configurations session has logged.
func (l *Log) Len(session string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.session(session)
	if err != nil {
		return 0, err
	}
	return len(s.entries), nil
}
