package api

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Error taxonomy shared by every store implementation and transport.
// Any error that matches none of these is a transient remote failure.
var (
	// ErrNotFound is returned when a record does not exist or is not owned by the caller
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a request is malformed
	ErrValidation = errors.New("validation failed")

	// ErrAuthRequired is returned when the caller has no identity
	ErrAuthRequired = errors.New("authentication required")
)

// MaxNameLength bounds workflow and folder names
const MaxNameLength = 200

// IsTransient reports whether err is a remote failure worth retrying:
// anything other than not-found, validation or missing identity.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrAuthRequired)
}

// NotFound wraps ErrNotFound with the kind and id of the missing record
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Invalid wraps ErrValidation with a formatted reason
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidateName checks that a workflow or folder name has 1..MaxNameLength characters
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return Invalid("name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return Invalid("name must be at most %d characters", MaxNameLength)
	}
	return nil
}
