// Package storage is notifd's persistence layer: a bucketed key/value store
// plus an append-only audit log.
//
// Buckets in use:
//   - records   (notification records, keyed by identity key)
//   - reminders (reminder state, keyed by reminder id)
//   - meta      (device id, id counters)
package storage
