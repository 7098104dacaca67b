// Package aeroerr defines the error taxonomy shared by every core
// component: storage backends, the vault, Bay, and the mailbox state
// machine all return errors wrapping one of these sentinels so callers
// can classify failures with errors.Is/Kind without inspecting strings.
package aeroerr

import "errors"

var (
	// ErrNotFound is returned when a lookup (blob, KV row, checkpoint,
	// password slot) found nothing under the given key.
	ErrNotFound = errors.New("aeroerr: not found")

	// ErrConflict is returned by a conditional write (kv_insert with an
	// existing sort key, a password-slot create that collides) whose
	// precondition failed. Callers are expected to retry with a fresh
	// read, not to treat it as fatal.
	ErrConflict = errors.New("aeroerr: conflict")

	// ErrTransient marks a failure the caller should retry unchanged:
	// a network blip, a backend timeout, a temporarily unavailable
	// connection pool slot.
	ErrTransient = errors.New("aeroerr: transient failure")

	// ErrCorrupt marks data that failed an integrity check: a bad MAC
	// on a sealed envelope, a checkpoint whose digest doesn't match,
	// a truncated blob.
	ErrCorrupt = errors.New("aeroerr: corrupt data")

	// ErrBadPassword is returned by the vault when a password does not
	// open any known slot.
	ErrBadPassword = errors.New("aeroerr: bad password")

	// ErrProtocol marks a violation of this package's own contract by
	// the caller: wrong UID generation, a state mutation applied out
	// of timestamp order, a sort key outside its partition.
	ErrProtocol = errors.New("aeroerr: protocol violation")

	// ErrPermissionDenied is returned when an operation is well-formed
	// but not authorized for the caller (e.g. acting on a mailbox the
	// session does not own).
	ErrPermissionDenied = errors.New("aeroerr: permission denied")
)

// Kind identifies which sentinel, if any, wraps an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindTransient
	KindCorrupt
	KindBadPassword
	KindProtocol
	KindPermissionDenied
)

// Classify returns the Kind of err by walking its wrapped chain against
// the sentinels above. It returns KindUnknown for a nil error or one
// that wraps none of them.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrBadPassword):
		return KindBadPassword
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	default:
		return KindUnknown
	}
}

// Retryable reports whether a caller should retry the operation that
// produced err unchanged (ErrTransient) or after refreshing state
// first (ErrConflict). Any other kind is not retryable.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindConflict:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindCorrupt:
		return "corrupt"
	case KindBadPassword:
		return "bad_password"
	case KindProtocol:
		return "protocol"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}
