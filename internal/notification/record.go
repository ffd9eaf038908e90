package notification

import (
	"fmt"
	"time"

	"notifd/internal/launch"
)

type State uint8

const (
	StateActive State = iota + 1
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ClassAlarm marks records that pass an allow_alarms do-not-disturb window.
const ClassAlarm = "alarm"

// ReminderLabel is the label given to records synthesized by the reminder
// scheduler.
const ReminderLabel = "REMINDER_AGENT"

// Alert is what filters decided about how the record is presented.
type Alert struct {
	Sound      string
	Vibration  bool
	Light      bool
	Visibility Visibility
	// Silent is set by the disturb filter's mute action.
	Silent bool
}

// Record is one notification as held by the record store.
type Record struct {
	Identity       Identity
	Content        Content
	Slot           SlotType
	CreatedAt      time.Time
	UpdatedAt      time.Time
	State          State
	Agent          bool   // published on behalf of another bundle
	Creator        string // publishing bundle; equals Identity.Bundle unless Agent
	ReminderID     int32  // 0: not reminder-linked
	Classification string
	Origin         string // device id; empty for local records
	Version        uint64
	Alert          Alert
	Launch         launch.Handle
	Delivered      bool
}

// IsRemote reports whether the record was injected by reconciliation.
func (r *Record) IsRemote() bool { return r.Origin != "" }

// Clone returns a deep copy safe to hand out of the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Content = r.Content.Clone()
	cp.Launch = append(launch.Handle(nil), r.Launch...)
	return &cp
}

// Validate checks the parts of a record every path must agree on.
func (r *Record) Validate() error {
	if err := r.Identity.Validate(); err != nil {
		return err
	}
	if !r.Slot.Valid() {
		return Validationf("unknown slot type %d", r.Slot)
	}
	return r.Content.Validate()
}

// Caller is a resolved publisher.
type Caller struct {
	Bundle string
	UID    int32
}

// Request is a publish request as received from the binding layer.
type Request struct {
	ID      int32
	Label   *string
	Content Content
	Slot    SlotType
	// OnBehalfOf publishes as another bundle (agent publish). Requires a
	// system caller.
	OnBehalfOf    string
	OnBehalfOfUID int32

	Classification string
	ReminderID     int32
	Click          *launch.Action
}

// Identity returns the identity the request publishes under for caller.
func (req Request) Identity(caller Caller) Identity {
	id := NewIdentity(caller.Bundle, caller.UID, req.ID)
	if req.OnBehalfOf != "" {
		id = NewIdentity(req.OnBehalfOf, req.OnBehalfOfUID, req.ID)
	}
	if req.Label != nil {
		id = id.WithLabel(*req.Label)
	}
	return id
}

type Status uint8

const (
	StatusAccepted Status = iota + 1
	StatusUpdated
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusUpdated:
		return "updated"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Delivery is the filter chain outcome reported on a Result.
type Delivery uint8

const (
	DeliveryNone Delivery = iota
	DeliveryAllowed
	DeliverySuppressed
	DeliveryDeferred
)

func (d Delivery) String() string {
	switch d {
	case DeliveryAllowed:
		return "allowed"
	case DeliverySuppressed:
		return "suppressed"
	case DeliveryDeferred:
		return "deferred"
	default:
		return "none"
	}
}

// Result is returned by Publish.
type Result struct {
	Status   Status
	Identity Identity
	Version  uint64
	Delivery Delivery
	Reason   string
}

// CancelReason says why a record was removed.
type CancelReason uint8

const (
	ReasonAppCancel CancelReason = iota + 1
	ReasonAppCancelAll
	ReasonUserDismiss
	ReasonClick
	ReasonUninstall
	ReasonRemote
	ReasonDeviceOffline
	ReasonReminderEnded
	ReasonSlotDisabled
)

var reasonNames = map[CancelReason]string{
	ReasonAppCancel:     "app_cancel",
	ReasonAppCancelAll:  "app_cancel_all",
	ReasonUserDismiss:   "user_dismiss",
	ReasonClick:         "click",
	ReasonUninstall:     "uninstall",
	ReasonRemote:        "remote",
	ReasonDeviceOffline: "device_offline",
	ReasonReminderEnded: "reminder_ended",
	ReasonSlotDisabled:  "slot_disabled",
}

func (r CancelReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

type EventKind uint8

const (
	EventPublished EventKind = iota + 1
	EventUpdated
	EventCanceled
)

func (k EventKind) String() string {
	switch k {
	case EventPublished:
		return "published"
	case EventUpdated:
		return "updated"
	case EventCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is what subscribers receive. Record is a private copy.
type Event struct {
	Kind   EventKind
	Record *Record
	Reason CancelReason // EventCanceled only
}
