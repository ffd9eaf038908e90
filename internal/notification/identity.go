package notification

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity uniquely names a notification: at most one Active record exists per
// Identity. An absent label (HasLabel=false) and an empty label are distinct.
type Identity struct {
	Bundle   string
	UserID   int32
	ID       int32
	Label    string
	HasLabel bool
}

// NewIdentity returns an identity without a label.
func NewIdentity(bundle string, userID, id int32) Identity {
	return Identity{Bundle: bundle, UserID: userID, ID: id}
}

// WithLabel returns a copy of id carrying label (which may be empty).
func (id Identity) WithLabel(label string) Identity {
	id.Label = label
	id.HasLabel = true
	return id
}

// Key is the canonical string form of an identity. It is used as the map key
// in the record store and as the replication key.
//
// Layout: bundle|uid|id|-  (no label) or bundle|uid|id|+label
type Key string

const keySep = "|"

func (id Identity) Key() Key {
	var b strings.Builder
	b.Grow(len(id.Bundle) + len(id.Label) + 24)
	b.WriteString(id.Bundle)
	b.WriteString(keySep)
	b.WriteString(strconv.FormatInt(int64(id.UserID), 10))
	b.WriteString(keySep)
	b.WriteString(strconv.FormatInt(int64(id.ID), 10))
	b.WriteString(keySep)
	if id.HasLabel {
		b.WriteString("+")
		b.WriteString(id.Label)
	} else {
		b.WriteString("-")
	}
	return Key(b.String())
}

func (id Identity) String() string { return string(id.Key()) }

// ParseKey is the inverse of Identity.Key. Labels may contain the separator;
// bundle names may not.
func ParseKey(k Key) (Identity, error) {
	parts := strings.SplitN(string(k), keySep, 4)
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: malformed key %q", ErrValidation, k)
	}
	uid, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: malformed user id in key %q", ErrValidation, k)
	}
	nid, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: malformed notification id in key %q", ErrValidation, k)
	}
	id := Identity{Bundle: parts[0], UserID: int32(uid), ID: int32(nid)}
	switch {
	case parts[3] == "-":
	case strings.HasPrefix(parts[3], "+"):
		id = id.WithLabel(parts[3][1:])
	default:
		return Identity{}, fmt.Errorf("%w: malformed label in key %q", ErrValidation, k)
	}
	return id, nil
}

// Validate checks the identity fields that every component relies on.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Bundle) == "" {
		return Validationf("bundle name required")
	}
	if strings.Contains(id.Bundle, keySep) {
		return Validationf("bundle name %q must not contain %q", id.Bundle, keySep)
	}
	if id.UserID < 0 {
		return Validationf("user id must be >= 0")
	}
	return nil
}
