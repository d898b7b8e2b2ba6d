package expansion

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when a lookup matches nothing. Callers treat
// it as a distinguishable no-op.
type NotFoundError struct {
	What string // "expansion" or "handler"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

// FaultError decorates a failure raised inside an interceptor: an
// error return, a panic, a timeout or a missing capability.
type FaultError struct {
	Expansion string
	Trigger   Trigger
	Err       error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("expansion %s on %s: %v", e.Expansion, e.Trigger, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// CapabilityError reports services an interceptor needs but that are
// not configured.
type CapabilityError struct {
	Missing []Capability
}

func (e *CapabilityError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return "missing capabilities: " + strings.Join(names, ", ")
}

// ErrPanic marks a fault caused by a recovered panic.
var ErrPanic = errors.New("interceptor panicked")

// IsConfiguration reports whether err stems from a missing capability.
func IsConfiguration(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
