package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

const (
	BucketRecords   = "records"
	BucketReminders = "reminders"
	BucketMeta      = "meta"
)

// Config configures storage.
//
// Driver values:
//   - "file": JSONL journal + snapshot, compacted periodically
//   - "sqlite": SQLite database file (WAL)
//   - "memory": process-local, lost on exit
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions
}

// Store is the persistence API used by the record store and the reminder
// scheduler. Values are opaque bytes (CBOR in practice).
type Store interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// Scan calls fn for every entry of bucket in ascending key order.
	// Returning an error from fn stops the scan and is returned.
	Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records an administrative action (slot change, cancel-all,
// device purge). Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}
