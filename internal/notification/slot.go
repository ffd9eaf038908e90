package notification

import (
	"fmt"
	"strings"
)

// SlotType is the channel a notification is published on.
type SlotType uint8

const (
	SlotSocialCommunication SlotType = iota + 1
	SlotServiceReminder
	SlotContentInformation
	SlotOther
	SlotCustom
)

var slotNames = map[SlotType]string{
	SlotSocialCommunication: "social_communication",
	SlotServiceReminder:     "service_reminder",
	SlotContentInformation:  "content_information",
	SlotOther:               "other",
	SlotCustom:              "custom",
}

func (t SlotType) String() string {
	if s, ok := slotNames[t]; ok {
		return s
	}
	return fmt.Sprintf("slot(%d)", uint8(t))
}

func (t SlotType) Valid() bool {
	_, ok := slotNames[t]
	return ok
}

// AllSlotTypes lists the slot types in declaration order.
func AllSlotTypes() []SlotType {
	return []SlotType{SlotSocialCommunication, SlotServiceReminder, SlotContentInformation, SlotOther, SlotCustom}
}

func ParseSlotType(s string) (SlotType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range slotNames {
		if name == s {
			return t, nil
		}
	}
	return 0, Validationf("unknown slot type %q", s)
}

type Importance uint8

const (
	ImportanceNone Importance = iota
	ImportanceMin
	ImportanceLow
	ImportanceDefault
	ImportanceHigh
)

var importanceNames = []string{"none", "min", "low", "default", "high"}

func (i Importance) String() string {
	if int(i) < len(importanceNames) {
		return importanceNames[i]
	}
	return fmt.Sprintf("importance(%d)", uint8(i))
}

func ParseImportance(s string) (Importance, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range importanceNames {
		if name == s {
			return Importance(i), nil
		}
	}
	return 0, Validationf("unknown importance %q", s)
}

// Visibility is how much of a notification the lock screen shows.
type Visibility uint8

const (
	VisibilityPublic Visibility = iota + 1
	VisibilityPrivate
	VisibilitySecret
)

var visibilityNames = map[Visibility]string{
	VisibilityPublic:  "public",
	VisibilityPrivate: "private",
	VisibilitySecret:  "secret",
}

func (v Visibility) String() string {
	if s, ok := visibilityNames[v]; ok {
		return s
	}
	return fmt.Sprintf("visibility(%d)", uint8(v))
}

func ParseVisibility(s string) (Visibility, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range visibilityNames {
		if name == s {
			return v, nil
		}
	}
	return 0, Validationf("unknown visibility %q", s)
}

// Slot is the process-wide policy for one SlotType.
type Slot struct {
	Type       SlotType
	Enabled    bool
	Importance Importance
	Sound      string
	Vibration  bool
	Light      bool
	BypassDND  bool
	Visibility Visibility
}

func (s Slot) Validate() error {
	if !s.Type.Valid() {
		return Validationf("unknown slot type %d", s.Type)
	}
	if s.Importance > ImportanceHigh {
		return Validationf("unknown importance %d", s.Importance)
	}
	if _, ok := visibilityNames[s.Visibility]; !ok {
		return Validationf("unknown visibility %d", s.Visibility)
	}
	return nil
}

// DefaultSlots returns the built-in slot table.
func DefaultSlots() map[SlotType]Slot {
	return map[SlotType]Slot{
		SlotSocialCommunication: {Type: SlotSocialCommunication, Enabled: true, Importance: ImportanceHigh, Vibration: true, Visibility: VisibilityPublic},
		SlotServiceReminder:     {Type: SlotServiceReminder, Enabled: true, Importance: ImportanceDefault, Vibration: true, Visibility: VisibilityPublic},
		SlotContentInformation:  {Type: SlotContentInformation, Enabled: true, Importance: ImportanceLow, Visibility: VisibilitySecret},
		SlotOther:               {Type: SlotOther, Enabled: true, Importance: ImportanceMin, Visibility: VisibilitySecret},
		SlotCustom:              {Type: SlotCustom, Enabled: true, Importance: ImportanceDefault, Visibility: VisibilityPublic},
	}
}
