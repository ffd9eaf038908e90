package notification

import (
	"fmt"
	"time"

	"notifd/internal/codec"
)

// recordWireVersion is bumped on incompatible layout changes.
const recordWireVersion = 1

type wireRecord struct {
	_              struct{} `cbor:",toarray"`
	Version        uint8
	Bundle         string
	UserID         int32
	ID             int32
	Label          *string
	Content        Content
	Slot           SlotType
	CreatedAt      int64 // unix ms
	UpdatedAt      int64
	State          State
	Agent          bool
	Creator        string
	ReminderID     int32
	Classification string
	Origin         string
	RecordVersion  uint64
	Alert          Alert
	Launch         []byte
	Delivered      bool
}

// EncodeRecord is the stable binary form used for persistence and
// replication.
func EncodeRecord(r *Record) ([]byte, error) {
	w := wireRecord{
		Version:        recordWireVersion,
		Bundle:         r.Identity.Bundle,
		UserID:         r.Identity.UserID,
		ID:             r.Identity.ID,
		Content:        r.Content,
		Slot:           r.Slot,
		CreatedAt:      r.CreatedAt.UnixMilli(),
		UpdatedAt:      r.UpdatedAt.UnixMilli(),
		State:          r.State,
		Agent:          r.Agent,
		Creator:        r.Creator,
		ReminderID:     r.ReminderID,
		Classification: r.Classification,
		Origin:         r.Origin,
		RecordVersion:  r.Version,
		Alert:          r.Alert,
		Launch:         r.Launch,
		Delivered:      r.Delivered,
	}
	if r.Identity.HasLabel {
		label := r.Identity.Label
		w.Label = &label
	}
	return codec.Marshal(w)
}

// DecodeRecord reverses EncodeRecord. Any failure, including a record that
// decodes but does not validate, is ErrStateCorruption.
func DecodeRecord(b []byte) (*Record, error) {
	var w wireRecord
	if err := codec.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateCorruption, err)
	}
	if w.Version != recordWireVersion {
		return nil, fmt.Errorf("%w: record wire version %d", ErrStateCorruption, w.Version)
	}
	r := &Record{
		Identity:       NewIdentity(w.Bundle, w.UserID, w.ID),
		Content:        w.Content,
		Slot:           w.Slot,
		CreatedAt:      time.UnixMilli(w.CreatedAt),
		UpdatedAt:      time.UnixMilli(w.UpdatedAt),
		State:          w.State,
		Agent:          w.Agent,
		Creator:        w.Creator,
		ReminderID:     w.ReminderID,
		Classification: w.Classification,
		Origin:         w.Origin,
		Version:        w.RecordVersion,
		Alert:          w.Alert,
		Launch:         w.Launch,
		Delivered:      w.Delivered,
	}
	if w.Label != nil {
		r.Identity = r.Identity.WithLabel(*w.Label)
	}
	if r.State != StateActive && r.State != StateRemoved {
		return nil, fmt.Errorf("%w: unknown record state %d", ErrStateCorruption, r.State)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateCorruption, err)
	}
	return r, nil
}
