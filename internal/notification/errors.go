package notification

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every notifd component. Wrap with fmt.Errorf("%w")
// and test with errors.Is.
var (
	// ErrValidation: malformed record, slot or reminder. Rejected synchronously,
	// never partially applied.
	ErrValidation = errors.New("validation failed")
	// ErrAuthorization: agent publish (on behalf of another bundle) without
	// permission.
	ErrAuthorization = errors.New("not authorized")
	// ErrNotFound: cancel/unsubscribe of an unknown identity or token.
	ErrNotFound = errors.New("not found")
	// ErrPolicy: a policy outcome (disabled slot). Not a failure of the service.
	ErrPolicy = errors.New("rejected by policy")
	// ErrTransientIO: a collaborator (timer, replication) is unavailable; the
	// caller retries with backoff.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrStateCorruption: a persisted or remote entry could not be decoded. The
	// entry is skipped and the service continues.
	ErrStateCorruption = errors.New("state corruption")
	// ErrIndexCorrupt: the record index is inconsistent at startup. Fatal.
	ErrIndexCorrupt = errors.New("record index corrupt")
	// ErrStale: a remote entry is older than the local counter for its
	// identity. Reconciliation ignores it.
	ErrStale = errors.New("stale version")
)

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient marks err as a transient collaborator failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientIO) }
