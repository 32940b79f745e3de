package config

import (
	"errors"
	"fmt"
)

// Error classes. Every failure surfaced by seq2seq wraps exactly one of
// them so callers can branch with errors.Is.
var (
	// ErrConfig reports invalid or inconsistent settings, detected before
	// any work starts.
	ErrConfig = errors.New("configuration error")

	// ErrResource reports filesystem or device failures.
	ErrResource = errors.New("resource error")

	// ErrInput reports malformed example records.
	ErrInput = errors.New("input error")
)

// Errorf formats an error wrapping ErrConfig.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Resource wraps err as an ErrResource with context.
func Resource(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrResource, op, err)
}
