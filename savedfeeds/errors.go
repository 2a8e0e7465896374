package savedfeeds

import "errors"

// Validation errors. A mutation rejected with one of these never touches the
// network and leaves the state unchanged.
var (
	ErrNotLoaded          = errors.New("saved feeds not loaded")
	ErrUnknownFeed        = errors.New("unknown feed")
	ErrInvalidPermutation = errors.New("invalid permutation")
	ErrInvalidFeedID      = errors.New("invalid feed id")
	ErrInvalidSection     = errors.New("invalid section")
)

// Remote errors. Implementations of Remote wrap their failures with one of
// these so callers can tell them apart with errors.Is.
var (
	ErrNetwork  = errors.New("network error")
	ErrConflict = errors.New("conflict")
	ErrAuth     = errors.New("authentication error")
)

// errorKind labels an error for metrics and logs
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "other"
	}
}
