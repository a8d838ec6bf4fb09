package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "driverelay/pkg/logx"
)

// fileStore keeps everything in flat files next to Path:
//   - <prefix>.audit.jsonl         append-only audit trail
//   - <prefix>.dedup.snapshot.json compacted dedup state
//   - <prefix>.dedup.journal.jsonl dedup changes since the last snapshot
//
// Dedup state lives in memory; the journal is replayed over the snapshot on
// open and compacted every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journal      *os.File
	dedup        map[string]int64 // unix milli

	writes       int
	compactEvery int
}

type journalRecord struct {
	Key     string `json:"key"`
	Until   int64  `json:"until,omitempty"`
	Deleted bool   `json:"del,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := map[string]int64{}
	if err := loadSnapshot(snapPath, dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
	}
	if err := replayJournal(journalPath, dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup journal replay stopped early", logx.Err(err))
	}
	pruneMap(dedup, time.Now().UnixMilli())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Info("storage opened", logx.String("prefix", prefix), logx.Int("dedup_keys", len(dedup)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journal:      jf,
		dedup:        dedup,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, until.UnixMilli())
}

func (s *fileStore) ReserveDedup(_ context.Context, key string, until, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("storage: empty dedup key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.dedup[key]; ok && ms > now.UnixMilli() {
		return false, nil
	}
	if err := s.setLocked(key, until.UnixMilli()); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) DeleteDedup(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[key]; !ok {
		return nil
	}
	if s.journal == nil {
		return ErrClosed
	}
	delete(s.dedup, key)
	return s.appendLocked(journalRecord{Key: key, Deleted: true})
}

func (s *fileStore) PruneDedup(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := pruneMap(s.dedup, now.UnixMilli())
	if n == 0 || s.journal == nil {
		return n, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) setLocked(key string, ms int64) error {
	if s.journal == nil {
		return ErrClosed
	}
	s.dedup[key] = ms
	return s.appendLocked(journalRecord{Key: key, Until: ms})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the live map as the new snapshot and truncates the
// journal. The snapshot is replaced atomically via rename.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			// A torn last line after a crash is expected.
			continue
		}
		if r.Deleted {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneMap(m map[string]int64, nowMS int64) int {
	n := 0
	for k, v := range m {
		if v <= nowMS {
			delete(m, k)
			n++
		}
	}
	return n
}
