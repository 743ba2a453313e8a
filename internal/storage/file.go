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

	"chatcore/pkg/logx"
)

const (
	compactEvery = 1000
	recentAudit  = 500
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.records.snapshot.json  (periodic snapshot)
//   - <prefix>.records.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	recent    []AuditRecord // oldest first, capped at recentAudit

	snapshotPath string
	journalFile  *os.File
	records      map[string][]byte // recordID(kind, key)

	writes int
}

type journalRecord struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

func recordID(kind, key string) string { return kind + "\x00" + key }

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

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".records.snapshot.json"
	journalPath := prefix + ".records.journal.jsonl"

	recent, err := tailAudit(auditPath, recentAudit)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit history unreadable", logx.Err(err))
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	records := map[string][]byte{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("record snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("record journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("records", len(records)))

	return &fileStore{
		log:          log,
		auditFile:    af,
		recent:       recent,
		snapshotPath: snapPath,
		journalFile:  jf,
		records:      records,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("final compact failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err2 = s.auditFile.Close()
		s.auditFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) PutRecord(_ context.Context, kind, key string, data []byte) error {
	if !validKey(kind, key) {
		return errors.New("storage: kind and key are required")
	}
	data = append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Kind: kind, Key: key, Data: data}); err != nil {
		return err
	}
	s.records[recordID(kind, key)] = data
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("record compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetRecord(_ context.Context, kind, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	b, ok := s.records[recordID(kind, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *fileStore) AppendAudit(_ context.Context, r AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.auditFile).Encode(r); err != nil {
		return err
	}
	s.recent = append(s.recent, r)
	if len(s.recent) > recentAudit {
		s.recent = s.recent[len(s.recent)-recentAudit:]
	}
	return nil
}

func (s *fileStore) RecentAudit(_ context.Context, limit int) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]AuditRecord, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	snap := make([]journalRecord, 0, len(s.records))
	for id, data := range s.records {
		kind, key, _ := strings.Cut(id, "\x00")
		snap = append(snap, journalRecord{Kind: kind, Key: key, Data: data})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap []journalRecord
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap {
		out[recordID(r.Kind, r.Key)] = r.Data
	}
	return nil
}

func replayJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if !validKey(r.Kind, r.Key) {
			continue
		}
		out[recordID(r.Kind, r.Key)] = r.Data
	}
	return sc.Err()
}

// tailAudit reads the last n records of an audit journal.
func tailAudit(path string, n int) ([]AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > 2*n {
			out = append(out[:0:0], out[len(out)-n:]...)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, sc.Err()
}
