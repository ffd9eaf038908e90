// Package distributed reconciles notification records with cooperating
// devices through a replicated key/value collaborator.
package distributed

import (
	"fmt"
	"time"

	"notifd/internal/codec"
	"notifd/internal/notification"
)

// Entry is the replicated form of one record. A nil Record with state
// Removed is a tombstone.
type Entry struct {
	Key       notification.Key
	Record    *notification.Record
	State     notification.State
	Version   uint64
	Timestamp time.Time
	Origin    string
}

func (e Entry) Tombstone() bool { return e.State == notification.StateRemoved }

const entryWireVersion = 1

type wireEntry struct {
	_         struct{} `cbor:",toarray"`
	Version   uint8
	Record    []byte // EncodeRecord output; null for tombstones
	State     notification.State
	RecordVer uint64
	Timestamp int64 // unix ms
	Origin    string
}

func EncodeEntry(e Entry) ([]byte, error) {
	w := wireEntry{
		Version:   entryWireVersion,
		State:     e.State,
		RecordVer: e.Version,
		Timestamp: e.Timestamp.UnixMilli(),
		Origin:    e.Origin,
	}
	if e.Record != nil && !e.Tombstone() {
		b, err := notification.EncodeRecord(e.Record)
		if err != nil {
			return nil, err
		}
		w.Record = b
	}
	return codec.Marshal(w)
}

// DecodeEntry decodes the value stored under key. Every failure is
// notification.ErrStateCorruption.
func DecodeEntry(key string, b []byte) (Entry, error) {
	var w wireEntry
	if err := codec.Unmarshal(b, &w); err != nil {
		return Entry{}, fmt.Errorf("%w: entry %q: %w", notification.ErrStateCorruption, key, err)
	}
	if w.Version != entryWireVersion {
		return Entry{}, fmt.Errorf("%w: entry %q: wire version %d", notification.ErrStateCorruption, key, w.Version)
	}
	if w.Origin == "" {
		return Entry{}, fmt.Errorf("%w: entry %q: no origin", notification.ErrStateCorruption, key)
	}
	if _, err := notification.ParseKey(notification.Key(key)); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", notification.ErrStateCorruption, err)
	}
	e := Entry{
		Key:       notification.Key(key),
		State:     w.State,
		Version:   w.RecordVer,
		Timestamp: time.UnixMilli(w.Timestamp),
		Origin:    w.Origin,
	}
	switch w.State {
	case notification.StateRemoved:
	case notification.StateActive:
		rec, err := notification.DecodeRecord(w.Record)
		if err != nil {
			return Entry{}, fmt.Errorf("entry %q: %w", key, err)
		}
		if rec.Identity.Key() != e.Key {
			return Entry{}, fmt.Errorf("%w: entry %q carries record %q", notification.ErrStateCorruption, key, rec.Identity.Key())
		}
		rec.Origin = w.Origin
		rec.Version = w.RecordVer
		e.Record = rec
	default:
		return Entry{}, fmt.Errorf("%w: entry %q: state %d", notification.ErrStateCorruption, key, w.State)
	}
	return e, nil
}

// wireTime drops the precision the wire form cannot carry, so local and
// decoded entries compare alike.
func wireTime(t time.Time) time.Time { return time.UnixMilli(t.UnixMilli()) }

// Supersedes reports whether a replaces b: higher version, then later
// timestamp, then lower origin id.
func Supersedes(a, b Entry) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Origin < b.Origin
}

func sameEntry(a, b Entry) bool {
	return a.Version == b.Version && a.Timestamp.Equal(b.Timestamp) && a.Origin == b.Origin && a.State == b.State
}
