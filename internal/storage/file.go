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
	"time"

	"github.com/google/uuid"

	"mudclock/pkg/logx"
)

// fileStore keeps incidents in <prefix>.incidents.jsonl (append-only JSON Lines).
// Pruning rewrites the file through a temp file and rename.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	incPath := filepath.Join(dir, base) + ".incidents.jsonl"
	f, err := os.OpenFile(incPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: incPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendIncident(ctx context.Context, in Incident) error {
	_ = ctx
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Time.IsZero() {
		in.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("incident file closed")
	}
	return json.NewEncoder(s.f).Encode(in)
}

func (s *fileStore) RecentIncidents(ctx context.Context, limit int) ([]Incident, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Ring of the last `limit` records.
	ring := make([]Incident, 0, limit)
	next := 0
	err := s.scanLocked(ctx, func(in Incident) {
		if len(ring) < limit {
			ring = append(ring, in)
			return
		}
		ring[next] = in
		next = (next + 1) % limit
	})
	if err != nil {
		return nil, err
	}

	out := make([]Incident, 0, len(ring))
	for i := 0; i < len(ring); i++ {
		idx := (next - 1 - i + 2*len(ring)) % len(ring)
		out = append(out, ring[idx])
	}
	return out, nil
}

func (s *fileStore) PruneIncidents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("incident file closed")
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(tf)
	enc := json.NewEncoder(w)

	var removed int64
	var encErr error
	err = s.scanLocked(ctx, func(in Incident) {
		if encErr != nil {
			return
		}
		if in.Time.Before(before) {
			removed++
			return
		}
		encErr = enc.Encode(in)
	})
	if err == nil {
		err = encErr
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := tf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		// Reopen the original so appends keep working.
		f, oerr := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if oerr == nil {
			s.f = f
		}
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.f = f
	return removed, nil
}

// scanLocked decodes every well-formed record in file order.
// Malformed lines (e.g. a torn write) are skipped.
func (s *fileStore) scanLocked(ctx context.Context, fn func(Incident)) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var in Incident
		if err := json.Unmarshal(line, &in); err != nil {
			skipped++
			continue
		}
		fn(in)
	}
	if skipped > 0 {
		s.log.Warn("skipped malformed incident lines", logx.Int("count", skipped))
	}
	return sc.Err()
}
