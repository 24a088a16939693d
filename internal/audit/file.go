package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// FileSink appends outcomes as JSON Lines. Each record is a single write to
// a file opened with O_APPEND, so concurrent writers never interleave within
// a line and earlier lines are never rewritten.
type FileSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
	now  func() time.Time
}

// NewFileSink opens (creating if needed) the log at path.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{path: path, f: f, now: time.Now}, nil
}

// Path returns the log location.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Record(_ context.Context, o Outcome) error {
	o = o.Stamp(s.now())
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("audit file closed")
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// List scans the whole file. Lines that fail to decode are skipped.
func (s *FileSink) List(ctx context.Context, f Filter) ([]Outcome, error) {
	rf, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer rf.Close()

	var out []Outcome
	sc := bufio.NewScanner(rf)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		if f.match(o) {
			out = append(out, o)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}

	slices.Reverse(out)
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
