package metastore

import "fmt"

// StoreError represents a domain error from metadata store operations.
//
// These are business-logic errors (validation failure, schema mismatch,
// corrupt document) as opposed to infrastructure errors (disk failure), which
// surface as plain wrapped errors. Not-found is never an error: lookups
// return a nil entity instead, so callers pattern-match on the typed codes
// only for real faults.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrConfiguration indicates a fatal, non-retriable setup problem: on-disk
	// schema newer than the running code, duplicate property registration, or
	// a store root that cannot be used.
	ErrConfiguration ErrorCode = iota

	// ErrCorruption indicates a metadata document that exists but cannot be
	// parsed. Corruption is never auto-repaired; workspace and project reads
	// degrade it to absence, user reads fail outright.
	ErrCorruption

	// ErrAlreadyExists indicates an entity whose id collides with an existing
	// entity or a reserved metadata filename.
	ErrAlreadyExists

	// ErrInvalidArgument indicates missing required fields or invalid
	// characters/length in a name, rejected before anything touches disk.
	ErrInvalidArgument

	// ErrIO indicates a filesystem operation failed in a way that is fatal for
	// the enclosing request (target missing on update/delete, parent missing
	// on create).
	ErrIO
)

// Errorf builds a StoreError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PathErrorf builds a StoreError carrying the related filesystem path.
func PathErrorf(code ErrorCode, path, format string, args ...any) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

func codeOf(err error) (ErrorCode, bool) {
	if se, ok := err.(*StoreError); ok {
		return se.Code, true
	}
	return 0, false
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrConfiguration
}

// IsCorruption reports whether err marks an unparsable metadata document.
func IsCorruption(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrCorruption
}

// IsAlreadyExists reports whether err marks an id collision.
func IsAlreadyExists(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrAlreadyExists
}

// IsInvalidArgument reports whether err marks a validation failure.
func IsInvalidArgument(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrInvalidArgument
}
