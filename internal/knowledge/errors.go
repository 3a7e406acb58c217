package knowledge

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a path, or the requested version of it, does
// not exist.
var ErrNotFound = errors.New("knowledge: document not found")

// VersionConflictError is returned when a write carries an expected version
// that does not match the stored one. Callers should re-read and retry.
type VersionConflictError struct {
	Path     string
	Current  int
	Expected int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("knowledge: version conflict on %s: expected %d, current %d", e.Path, e.Expected, e.Current)
}

// InvalidPathError reports a path that fails the structural check.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("knowledge: invalid path %q: %s", e.Path, e.Reason)
}

// ContentTooLargeError reports content above the configured ceiling.
type ContentTooLargeError struct {
	Path  string
	Size  int
	Limit int
}

func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("knowledge: content for %s is %d bytes, limit is %d", e.Path, e.Size, e.Limit)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
