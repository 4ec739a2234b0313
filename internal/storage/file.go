package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tickhub/pkg/logx"
)

// fileStore appends runs to <prefix>.runs.jsonl and keeps the newest
// `retention` records in memory for RecentRuns.
//
// The file is compacted (rewritten with the in-memory tail) once it holds
// twice the retention.
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	f         *os.File // nil until the first append
	closed    bool
	ring      []RunRecord // oldest first
	retention int
	lines     int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	s := &fileStore{log: log, path: runsPath, retention: cfg.retention()}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// writerLocked opens the append handle on first use, so read-only users
// never create the file.
func (s *fileStore) writerLocked() (*os.File, error) {
	if s.closed {
		return nil, errors.New("run history file closed")
	}
	if s.f != nil {
		return s.f, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return f, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	skipped := 0
	for sc.Scan() {
		s.lines++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		s.push(r)
	}
	if skipped > 0 {
		s.log.Warn("skipped unreadable run records", logx.String("path", s.path), logx.Int("count", skipped))
	}
	return sc.Err()
}

func (s *fileStore) push(r RunRecord) {
	s.ring = append(s.ring, r)
	if over := len(s.ring) - s.retention; over > 0 {
		// Shift instead of re-slicing so the backing array does not grow forever.
		n := copy(s.ring, s.ring[over:])
		clear(s.ring[n:])
		s.ring = s.ring[:n]
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.writerLocked()
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return err
	}
	s.lines++
	s.push(r)

	if s.lines >= 2*s.retention {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = clampLimit(limit, len(s.ring))
	out := make([]RunRecord, 0, limit)
	for i := len(s.ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.ring[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.ring {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.ring)
	return nil
}
