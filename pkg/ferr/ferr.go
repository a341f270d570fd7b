// Package ferr defines the error taxonomy shared by every tracker and
// storage component (spec §7): a fixed set of kinds, each mapped to a
// single wire status byte, so a handler can always turn an internal
// error into the right response without re-deriving the mapping.
package ferr

import "errors"

// Kind is a sentinel error identifying one of the taxonomy's error kinds.
// Wrap it with fmt.Errorf("...: %w", kind) to attach context, and test
// with errors.Is(err, ferr.NotFound) etc.
type Kind struct {
	name   string
	status byte
}

func (k *Kind) Error() string { return k.name }

// Status returns the wire status byte this kind maps to.
func (k *Kind) Status() byte { return k.status }

var (
	Transport    = &Kind{"transport error", 1}
	Protocol     = &Kind{"protocol error", 2}
	NotFound     = &Kind{"not found", 3}
	AlreadyExist = &Kind{"already exists", 4}
	Busy         = &Kind{"busy", 5}
	Exhausted    = &Kind{"exhausted", 6}
	InvalidState = &Kind{"invalid state", 7}
	Internal     = &Kind{"internal error", 8}
	Timeout      = &Kind{"timeout", 9}
)

var all = []*Kind{Transport, Protocol, NotFound, AlreadyExist, Busy, Exhausted, InvalidState, Internal, Timeout}

// StatusOf maps an error to a wire status byte by walking the chain with
// errors.Is against every known kind. Unrecognized errors map to
// Internal.Status() so a handler never leaks a raw Go error to the wire.
func StatusOf(err error) byte {
	if err == nil {
		return 0
	}
	for _, k := range all {
		if errors.Is(err, k) {
			return k.status
		}
	}
	return Internal.status
}

// Is reports whether err is (wraps) the given kind.
func Is(err error, k *Kind) bool {
	return errors.Is(err, k)
}
