package state

import (
	"errors"
	"fmt"
)

// ErrConfig marks configuration errors: malformed sweeps, conflicting derived
// values, observables needing untracked variables. They are fatal and never
// retried.
var ErrConfig = errors.New("configuration error")

// Configf returns an error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
