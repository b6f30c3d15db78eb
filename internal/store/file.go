package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.actions.snapshot.json (periodic snapshot)
//   - <prefix>.actions.journal.jsonl (append-only journal, fsynced per write)
//
// The journal holds full records; on load the snapshot is read first and the
// journal replayed on top (later entries win). The journal is compacted into
// the snapshot every compactEvery writes.
//
// Every successful Put/Update is fsynced before the call returns, which is
// what backs the write-then-acknowledge durability contract.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]action.Request

	writes       int
	compactEvery int
}

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

	snapPath := prefix + ".actions.snapshot.json"
	journalPath := prefix + ".actions.journal.jsonl"

	recs := map[string]action.Request{}
	if err := loadSnapshot(snapPath, recs); err != nil && !os.IsNotExist(err) {
		log.Warn("snapshot load failed; relying on journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, recs); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", prefix), logx.Int("records", len(recs)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		recs:         recs,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Put(ctx context.Context, rec action.Request) error {
	_ = ctx
	if err := validate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return action.ErrDuplicateID
	}
	if err := s.appendLocked(rec); err != nil {
		return err
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (action.Request, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return action.Request{}, action.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *fileStore) Update(ctx context.Context, id string, expect action.State, mut Mutation) (action.Request, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[id]
	if !ok {
		return action.Request{}, action.ErrNotFound
	}
	if cur.State != expect {
		return action.Request{}, action.ErrStaleState
	}
	next, err := applyMutation(cur, mut)
	if err != nil {
		return action.Request{}, err
	}
	if err := s.appendLocked(next); err != nil {
		return action.Request{}, err
	}
	s.recs[id] = next.Clone()
	return next, nil
}

func (s *fileStore) ListDue(ctx context.Context, now time.Time) ([]action.Request, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []action.Request
	for _, rec := range s.recs {
		if rec.State == action.StateConfirmed && !rec.TriggerAt.IsZero() && !rec.TriggerAt.After(now) {
			out = append(out, rec.Clone())
		}
	}
	sortByTrigger(out)
	return out, nil
}

func (s *fileStore) ListPending(ctx context.Context) ([]action.Request, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []action.Request
	for _, rec := range s.recs {
		if !rec.State.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	sortByTrigger(out)
	return out, nil
}

// sortByTrigger orders records by trigger time ascending, ties by id, so
// listings are deterministic. Unresolved (zero) triggers sort first.
func sortByTrigger(recs []action.Request) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].TriggerAt.Equal(recs[j].TriggerAt) {
			return recs[i].TriggerAt.Before(recs[j].TriggerAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// appendLocked writes one record to the journal and fsyncs before returning.
func (s *fileStore) appendLocked(rec action.Request) error {
	if s.journal == nil {
		return errors.New("store closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
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
	if err := json.NewEncoder(f).Encode(s.recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
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
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]action.Request) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]action.Request
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]action.Request) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec action.Request
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn trailing write after a crash is expected; everything
			// before it was fsynced and already applied.
			continue
		}
		if rec.ID == "" {
			continue
		}
		out[rec.ID] = rec
	}
	return sc.Err()
}
