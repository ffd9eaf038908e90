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

	"notifd/pkg/logx"
)

// fileStore keeps every bucket in memory and persists through:
//   - <prefix>.audit.jsonl     (append-only JSON Lines)
//   - <prefix>.snapshot.json   (bucket contents at last compaction)
//   - <prefix>.journal.jsonl   (puts/deletes since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	buckets      map[string]map[string][]byte

	writes       int
	compactEvery int
}

type journalOp struct {
	Op     string `json:"op"` // put | del
	Bucket string `json:"b"`
	Key    string `json:"k"`
	Value  []byte `json:"v,omitempty"`
	At     int64  `json:"at"`
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

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	buckets := map[string]map[string][]byte{}
	if err := loadSnapshot(snapPath, buckets); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, buckets)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("journal lines skipped", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		buckets:      buckets,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	errs := []error{errCompact}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	errs = append(errs, s.journalFile.Close())
	s.journalFile = nil
	return errors.Join(errs...)
}

func (s *fileStore) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "put", Bucket: bucket, Key: key, Value: value}); err != nil {
		return err
	}
	b := s.buckets[bucket]
	if b == nil {
		b = map[string][]byte{}
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (s *fileStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.buckets[bucket][key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Bucket: bucket, Key: key}); err != nil {
		return err
	}
	delete(s.buckets[bucket], key)
	return nil
}

func (s *fileStore) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	if s.journalFile == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	entries := sortedEntries(s.buckets[bucket])
	s.mu.Unlock()
	return scanEntries(ctx, entries, fn)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) appendLocked(op journalOp) error {
	op.At = time.Now().UnixMilli()
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
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
	if err := json.NewEncoder(f).Encode(s.buckets); err != nil {
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for b, kvs := range m {
		if kvs != nil {
			out[b] = kvs
		}
	}
	return nil
}

// replayJournal applies journal ops over the snapshot. A torn trailing line
// (crash mid-write) is skipped, not fatal.
func replayJournal(path string, out map[string]map[string][]byte) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Bucket == "" {
			skipped++
			continue
		}
		switch op.Op {
		case "put":
			b := out[op.Bucket]
			if b == nil {
				b = map[string][]byte{}
				out[op.Bucket] = b
			}
			b[op.Key] = op.Value
		case "del":
			delete(out[op.Bucket], op.Key)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
