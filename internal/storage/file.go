package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taxiflow/pkg/logx"
)

// fileStore persists state as an append-only JSON Lines journal at
// cfg.Path. The journal is replayed into a memStore on open and compacted
// when superseded records dominate it.
type fileStore struct {
	log logx.Logger
	mem *memStore

	mu      sync.Mutex
	path    string
	journal *os.File
	w       *bufio.Writer
	records int
}

type journalRecord struct {
	Op     string           `json:"op"`
	Run    *Run             `json:"run,omitempty"`
	Mat    *Materialization `json:"mat,omitempty"`
	Obs    *Observation     `json:"obs,omitempty"`
	Name   string           `json:"name,omitempty"`
	Value  string           `json:"value,omitempty"`
	Sensor string           `json:"sensor,omitempty"`
	Key    string           `json:"key,omitempty"`
	Until  int64            `json:"until,omitempty"`
}

const (
	opRun    = "run"
	opMat    = "mat"
	opObs    = "obs"
	opCursor = "cursor"
	opRunKey = "run_key"
	opUnkey  = "run_key_release"
	opDedup  = "dedup"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, mem: newMemStore(), path: path}
	n, err := st.replay()
	if err != nil {
		return nil, err
	}
	st.mem.pruneDedup(time.Now())
	if n > 0 && n > 2*st.liveRecords() {
		if err := st.compact(); err != nil {
			log.Warn("journal compaction failed", logx.String("path", path), logx.Err(err))
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = f
	st.w = bufio.NewWriter(f)
	st.records = n
	return st, nil
}

func (s *fileStore) replay() (int, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n, bad := 0, 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn tail line after a crash is expected; skip it.
			bad++
			continue
		}
		if err := s.apply(ctx, rec); err != nil {
			bad++
			continue
		}
		n++
	}
	if bad > 0 {
		s.log.Warn("skipped unreadable journal records", logx.String("path", s.path), logx.Int("count", bad))
	}
	return n, sc.Err()
}

func (s *fileStore) apply(ctx context.Context, rec journalRecord) error {
	m := s.mem
	switch rec.Op {
	case opRun:
		if rec.Run == nil {
			return errors.New("run record without run")
		}
		// Runs are upserted: the last record wins.
		return m.CreateRun(ctx, *rec.Run)
	case opMat:
		if rec.Mat == nil {
			return errors.New("mat record without materialization")
		}
		return m.AddMaterialization(ctx, *rec.Mat)
	case opObs:
		if rec.Obs == nil {
			return errors.New("obs record without observation")
		}
		return m.AddObservation(ctx, *rec.Obs)
	case opCursor:
		return m.SetCursor(ctx, rec.Name, rec.Value)
	case opRunKey:
		_, err := m.ClaimRunKey(ctx, rec.Sensor, rec.Key)
		return err
	case opUnkey:
		return m.ReleaseRunKey(ctx, rec.Sensor, rec.Key)
	case opDedup:
		return m.PutDedup(ctx, rec.Key, time.UnixMilli(rec.Until))
	default:
		return fmt.Errorf("unknown journal op %q", rec.Op)
	}
}

func (s *fileStore) liveRecords() int {
	m := s.mem
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.runs) + len(m.cursors) + len(m.runKeys) + len(m.dedup)
	for _, l := range m.mats {
		n += len(l)
	}
	for _, l := range m.obs {
		n += len(l)
	}
	return n
}

// compact rewrites the journal with one record per live entry. It runs
// before the journal is opened for appending.
func (s *fileStore) compact() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	m := s.mem
	m.mu.RLock()
	var recs []journalRecord
	for _, r := range m.runs {
		r := r
		recs = append(recs, journalRecord{Op: opRun, Run: &r})
	}
	for _, list := range m.mats {
		for i := range list {
			recs = append(recs, journalRecord{Op: opMat, Mat: &list[i]})
		}
	}
	for _, list := range m.obs {
		for i := range list {
			recs = append(recs, journalRecord{Op: opObs, Obs: &list[i]})
		}
	}
	for name, v := range m.cursors {
		recs = append(recs, journalRecord{Op: opCursor, Name: name, Value: v})
	}
	for k := range m.runKeys {
		sensor, key, _ := strings.Cut(k, "\x00")
		recs = append(recs, journalRecord{Op: opRunKey, Sensor: sensor, Key: key})
	}
	for k, until := range m.dedup {
		recs = append(recs, journalRecord{Op: opDedup, Key: k, Until: until})
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) append(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.records++
	return s.w.Flush()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := errors.Join(s.w.Flush(), s.journal.Sync(), s.journal.Close())
	s.journal = nil
	_ = s.mem.Close()
	return err
}

func (s *fileStore) writeRun(ctx context.Context, r Run, update bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if update {
		err = s.mem.UpdateRun(ctx, r)
	} else {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		err = s.mem.CreateRun(ctx, r)
	}
	if err != nil {
		return err
	}
	return s.append(journalRecord{Op: opRun, Run: &r})
}

func (s *fileStore) CreateRun(ctx context.Context, r Run) error { return s.writeRun(ctx, r, false) }
func (s *fileStore) UpdateRun(ctx context.Context, r Run) error { return s.writeRun(ctx, r, true) }

func (s *fileStore) GetRun(ctx context.Context, id string) (Run, error) {
	return s.mem.GetRun(ctx, id)
}

func (s *fileStore) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	return s.mem.ListRuns(ctx, f)
}

func (s *fileStore) AddMaterialization(ctx context.Context, m Materialization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.At.IsZero() {
		m.At = time.Now()
	}
	if err := s.mem.AddMaterialization(ctx, m); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opMat, Mat: &m})
}

func (s *fileStore) LatestMaterialization(ctx context.Context, asset, partition string) (Materialization, bool, error) {
	return s.mem.LatestMaterialization(ctx, asset, partition)
}

func (s *fileStore) MaterializedPartitions(ctx context.Context, asset string) (map[string]Materialization, error) {
	return s.mem.MaterializedPartitions(ctx, asset)
}

func (s *fileStore) AddObservation(ctx context.Context, o Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.At.IsZero() {
		o.At = time.Now()
	}
	if err := s.mem.AddObservation(ctx, o); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opObs, Obs: &o})
}

func (s *fileStore) LatestObservation(ctx context.Context, asset string) (Observation, bool, error) {
	return s.mem.LatestObservation(ctx, asset)
}

func (s *fileStore) GetCursor(ctx context.Context, name string) (string, error) {
	return s.mem.GetCursor(ctx, name)
}

func (s *fileStore) SetCursor(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.SetCursor(ctx, name, value); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opCursor, Name: name, Value: value})
}

func (s *fileStore) ClaimRunKey(ctx context.Context, sensor, runKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.ClaimRunKey(ctx, sensor, runKey)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.append(journalRecord{Op: opRunKey, Sensor: sensor, Key: runKey})
}

func (s *fileStore) ReleaseRunKey(ctx context.Context, sensor, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.ReleaseRunKey(ctx, sensor, runKey); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opUnkey, Sensor: sensor, Key: runKey})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutDedup(ctx, key, until); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opDedup, Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.mem.GetDedup(ctx, key)
}
