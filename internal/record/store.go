// Package record holds the authoritative set of live notification records
// and the slot policy table.
package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"notifd/internal/launch"
	"notifd/internal/notification"
	"notifd/internal/storage"
	"notifd/pkg/logx"
)

// Authorizer decides whether a caller may publish on behalf of others.
type Authorizer interface {
	IsSystemCaller(uid int32) bool
}

type Config struct {
	Log        logx.Logger
	Persist    storage.Store // nil: memory only
	Authorizer Authorizer
	Launch     launch.Resolver // nil: click actions are ignored
	Now        func() time.Time
	Slots      map[notification.SlotType]notification.Slot // nil: defaults
}

// Store is safe for concurrent use. Reads take the read lock; sync.RWMutex
// blocks new readers once a writer waits, so queries cannot starve writers.
type Store struct {
	log     logx.Logger
	persist storage.Store
	auth    Authorizer
	launch  launch.Resolver
	now     func() time.Time

	mu       sync.RWMutex
	records  map[notification.Key]*notification.Record
	versions map[notification.Key]uint64 // survives removal
	cancels  map[notification.Key]uint64 // version of the latest cancel
	slots    map[notification.SlotType]notification.Slot
	disabled map[string]bool // bundle -> notifications disabled
	shareOff bool
	unshared map[notification.Caller]bool
}

func New(cfg Config) *Store {
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	slots := notification.DefaultSlots()
	for t, s := range cfg.Slots {
		slots[t] = s
	}
	return &Store{
		log:      cfg.Log.With(logx.String("comp", "record")),
		persist:  cfg.Persist,
		auth:     cfg.Authorizer,
		launch:   cfg.Launch,
		now:      cfg.Now,
		records:  map[notification.Key]*notification.Record{},
		versions: map[notification.Key]uint64{},
		cancels:  map[notification.Key]uint64{},
		slots:    slots,
		disabled: map[string]bool{},
		unshared: map[notification.Caller]bool{},
	}
}

// Publish validates req, applies slot policy and creates or updates the
// record. The returned record is a private copy.
func (s *Store) Publish(ctx context.Context, caller notification.Caller, req notification.Request) (notification.Result, *notification.Record, error) {
	id := req.Identity(caller)
	reject := func(err error) (notification.Result, *notification.Record, error) {
		return notification.Result{Status: notification.StatusRejected, Identity: id, Reason: err.Error()}, nil, err
	}

	if err := id.Validate(); err != nil {
		return reject(err)
	}
	if !req.Slot.Valid() {
		return reject(notification.Validationf("unknown slot type %d", req.Slot))
	}
	if err := req.Content.Validate(); err != nil {
		return reject(err)
	}
	agent := req.OnBehalfOf != "" && (req.OnBehalfOf != caller.Bundle || req.OnBehalfOfUID != caller.UID)
	if agent && (s.auth == nil || !s.auth.IsSystemCaller(caller.UID)) {
		return reject(fmt.Errorf("%w: %s may not publish for %s", notification.ErrAuthorization, caller.Bundle, req.OnBehalfOf))
	}

	var handle launch.Handle
	if req.Click != nil && s.launch != nil {
		h, err := s.launch.Resolve(ctx, *req.Click)
		if err != nil {
			return reject(notification.Validationf("click action: %v", err))
		}
		handle = h
	}

	rec := &notification.Record{
		Identity:       id,
		Content:        req.Content.Clone(),
		Slot:           req.Slot,
		State:          notification.StateActive,
		Agent:          agent,
		Creator:        caller.Bundle,
		ReminderID:     req.ReminderID,
		Classification: req.Classification,
		Launch:         handle,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slot := s.slots[req.Slot]; !slot.Enabled {
		return reject(fmt.Errorf("%w: slot %s disabled", notification.ErrPolicy, req.Slot))
	}
	status, err := s.upsertLocked(ctx, rec, 0)
	if err != nil {
		return reject(err)
	}
	return notification.Result{Status: status, Identity: id, Version: rec.Version}, rec.Clone(), nil
}

// ApplyRemote stores a record accepted by reconciliation. It keeps the
// remote version and origin; slot policy is left to the filter chain. An
// entry older than the local counter fails with ErrStale and leaves the
// local record untouched.
func (s *Store) ApplyRemote(ctx context.Context, rec *notification.Record) (notification.Status, *notification.Record, error) {
	if err := rec.Validate(); err != nil {
		return notification.StatusRejected, nil, err
	}
	rec = rec.Clone()
	rec.State = notification.StateActive
	rec.Delivered = false

	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Identity.Key()
	if cur := s.versions[key]; rec.Version < cur {
		return notification.StatusRejected, nil, fmt.Errorf("%w: %s version %d below local %d", notification.ErrStale, key, rec.Version, cur)
	}
	status, err := s.upsertLocked(ctx, rec, rec.Version)
	if err != nil {
		return notification.StatusRejected, nil, err
	}
	return status, rec.Clone(), nil
}

// upsertLocked assigns timestamps and the version and persists before
// touching the live map. A zero floor takes the next local counter; a remote
// floor at or above the counter is kept as is.
func (s *Store) upsertLocked(ctx context.Context, rec *notification.Record, floor uint64) (notification.Status, error) {
	key := rec.Identity.Key()
	now := s.now()
	status := notification.StatusAccepted
	rec.CreatedAt, rec.UpdatedAt = now, now
	if prev, ok := s.records[key]; ok {
		status = notification.StatusUpdated
		rec.CreatedAt = prev.CreatedAt
		rec.Delivered = rec.Delivered || prev.Delivered
	}
	rec.Version = s.versions[key] + 1
	if floor > 0 && floor >= s.versions[key] {
		rec.Version = floor
	}

	if err := s.save(ctx, rec); err != nil {
		return 0, err
	}
	s.versions[key] = rec.Version
	s.records[key] = rec
	return status, nil
}

// Cancel removes the Active record for id.
func (s *Store) Cancel(ctx context.Context, id notification.Identity) (*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, id.Key(), 0)
}

// CancelRemote applies a remote tombstone with the given version.
func (s *Store) CancelRemote(ctx context.Context, id notification.Identity, version uint64) (*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, id.Key(), version)
}

func (s *Store) removeLocked(ctx context.Context, key notification.Key, floor uint64) (*notification.Record, error) {
	rec, ok := s.records[key]
	if !ok {
		// Still advance the counter so a late remote publish with an older
		// version cannot resurrect the record.
		if floor > s.versions[key] {
			s.versions[key] = floor
			s.cancels[key] = floor
			s.saveVersion(ctx, key, floor)
		}
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, key)
	}
	v := max(s.versions[key]+1, floor)
	if s.persist != nil {
		if err := s.persist.Delete(ctx, storage.BucketRecords, string(key)); err != nil {
			return nil, notification.Transient(fmt.Errorf("delete record: %w", err))
		}
	}
	s.saveVersion(ctx, key, v)
	delete(s.records, key)
	s.versions[key] = v
	s.cancels[key] = v

	out := rec.Clone()
	out.State = notification.StateRemoved
	out.Version = v
	out.UpdatedAt = s.now()
	return out, nil
}

// CancelMatching removes every Active record matching f.
func (s *Store) CancelMatching(ctx context.Context, f Filter) ([]*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []notification.Key
	for k, r := range s.records {
		if f.Match(r) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []*notification.Record
	var errs []error
	for _, k := range keys {
		rec, err := s.removeLocked(ctx, k, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// Annotate stores filter annotations and the delivered flag on the record,
// if it is still at version.
func (s *Store) Annotate(ctx context.Context, id notification.Identity, version uint64, alert notification.Alert, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id.Key()]
	if !ok || rec.Version != version {
		return nil
	}
	cp := rec.Clone()
	cp.Alert = alert
	cp.Delivered = cp.Delivered || delivered
	if err := s.save(ctx, cp); err != nil {
		return err
	}
	s.records[id.Key()] = cp
	return nil
}

// CanceledSince reports whether a cancel newer than version was recorded for
// key. Fan-out uses it to skip stale publish events.
func (s *Store) CanceledSince(key notification.Key, version uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancels[key] > version
}

// Version returns the current per-identity counter.
func (s *Store) Version(key notification.Key) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key]
}

func (s *Store) Get(id notification.Identity) (*notification.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id.Key()]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of the records matching f, oldest first.
func (s *Store) List(f Filter) []*notification.Record {
	s.mu.RLock()
	out := make([]*notification.Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Identity.Key() < out[j].Identity.Key()
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) save(ctx context.Context, rec *notification.Record) error {
	if s.persist == nil {
		return nil
	}
	b, err := notification.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.persist.Put(ctx, storage.BucketRecords, string(rec.Identity.Key()), b); err != nil {
		return notification.Transient(fmt.Errorf("persist record: %w", err))
	}
	return nil
}

const versionPrefix = "ver|"

// saveVersion keeps counters of removed records across restarts. Failure
// only weakens ordering against stale remote entries, so it is logged.
func (s *Store) saveVersion(ctx context.Context, key notification.Key, v uint64) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Put(ctx, storage.BucketMeta, versionPrefix+string(key), []byte(strconv.FormatUint(v, 10))); err != nil {
		s.log.Warn("persist version failed", logx.String("key", string(key)), logx.Err(err))
	}
}

// Restore loads persisted records and counters. Undecodable entries are
// skipped; an entry stored under a key that does not match its identity
// means the index is corrupt and fails the restore.
func (s *Store) Restore(ctx context.Context) (restored, skipped int, err error) {
	if s.persist == nil {
		return 0, 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.persist.Scan(ctx, storage.BucketMeta, func(k string, v []byte) error {
		key, ok := strings.CutPrefix(k, versionPrefix)
		if !ok {
			return nil
		}
		n, perr := strconv.ParseUint(string(v), 10, 64)
		if perr != nil {
			s.log.Warn("skipping bad version counter", logx.String("key", key))
			return nil
		}
		s.versions[notification.Key(key)] = max(s.versions[notification.Key(key)], n)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("restore versions: %w", err)
	}

	err = s.persist.Scan(ctx, storage.BucketRecords, func(k string, v []byte) error {
		rec, derr := notification.DecodeRecord(v)
		if derr != nil {
			skipped++
			s.log.Warn("skipping undecodable record", logx.String("key", k), logx.Err(derr))
			return nil
		}
		if key := rec.Identity.Key(); string(key) != k {
			return fmt.Errorf("%w: entry %q holds identity %q", notification.ErrIndexCorrupt, k, key)
		}
		if rec.State != notification.StateActive {
			skipped++
			return nil
		}
		key := rec.Identity.Key()
		s.records[key] = rec
		s.versions[key] = max(s.versions[key], rec.Version)
		restored++
		return nil
	})
	if err != nil {
		return restored, skipped, err
	}
	return restored, skipped, nil
}
