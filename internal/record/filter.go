package record

import "notifd/internal/notification"

// Filter selects records for List and CancelMatching. Zero fields match
// everything.
type Filter struct {
	Bundle     string
	UserID     *int32
	Slot       notification.SlotType
	Origin     *string // "" selects local records only
	ReminderID int32
}

func (f Filter) Match(r *notification.Record) bool {
	if f.Bundle != "" && r.Identity.Bundle != f.Bundle {
		return false
	}
	if f.UserID != nil && r.Identity.UserID != *f.UserID {
		return false
	}
	if f.Slot != 0 && r.Slot != f.Slot {
		return false
	}
	if f.Origin != nil && r.Origin != *f.Origin {
		return false
	}
	if f.ReminderID != 0 && r.ReminderID != f.ReminderID {
		return false
	}
	return true
}

// ForOwner selects the records of one (bundle, uid).
func ForOwner(bundle string, uid int32) Filter {
	return Filter{Bundle: bundle, UserID: &uid}
}

// FromDevice selects records that originated on device.
func FromDevice(device string) Filter {
	return Filter{Origin: &device}
}
