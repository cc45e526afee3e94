package store

import "fmt"

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure, rejected
// before the store is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError is the conflict arbiter's rejection of a profile write. It
// carries the authoritative stored content and version so the caller can
// rebase and retry; stored state is left unchanged.
type ConflictError struct {
	Path          string
	LatestContent string
	LatestVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: latest version is %d", e.Path, e.LatestVersion)
}

// DuplicateError indicates a uniqueness violation on account identity
// (device already registered, email already in use).
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already registered", e.Field)
}
