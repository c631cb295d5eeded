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

	logx "recurq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl         (append-only JSON Lines)
//   - <prefix>.tasks.snapshot.json  (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsFile *os.File

	snapshotPath string
	journalFile  *os.File
	tasks        taskTable

	writes int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	tasks := taskTable{}
	if err := loadSnapshot(snapPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		eventsFile:   ef,
		snapshotPath: snapPath,
		journalFile:  jf,
		tasks:        tasks,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task compact on close failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.eventsFile != nil {
		err2 = s.eventsFile.Close()
		s.eventsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendEvent(ctx context.Context, e EventEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.eventsFile).Encode(e)
}

func (s *fileStore) PutTask(ctx context.Context, r TaskRecord) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("task id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.tasks.put(r)
	return s.journalLocked(r)
}

func (s *fileStore) CancelTasks(ctx context.Context, queue, taskType string, includeRunning bool) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	changed := s.tasks.cancel(queue, taskType, includeRunning, time.Now())
	for _, r := range changed {
		if err := s.journalLocked(r); err != nil {
			return nil, err
		}
	}
	return ids(changed), nil
}

func (s *fileStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.tasks.list(f), nil
}

func (s *fileStore) PruneTasks(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	n := s.tasks.prune(before)
	if n > 0 {
		if err := s.compactLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *fileStore) journalLocked(rec TaskRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks.list(TaskFilter{})); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out taskTable) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var rs []TaskRecord
	if err := json.NewDecoder(f).Decode(&rs); err != nil {
		return err
	}
	for _, r := range rs {
		out.put(r)
	}
	return nil
}

func replayJournal(path string, out taskTable) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r TaskRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID != "" {
			out.put(r)
		}
	}
	return sc.Err()
}
