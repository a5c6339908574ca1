// Package tree implements the per-course section tree: inserts, moves,
// deletes, and subtree queries over materialized paths.
package tree

import "errors"

var (
	// ErrParentNotFound indicates the referenced parent does not exist in
	// the course.
	ErrParentNotFound = errors.New("tree: parent not found")

	// ErrSectionNotFound indicates the referenced section does not exist.
	ErrSectionNotFound = errors.New("tree: section not found")

	// ErrDepthExceeded indicates an insert would exceed the course's max
	// nesting depth.
	ErrDepthExceeded = errors.New("tree: nesting depth exceeded")

	// ErrHasChildren indicates a delete on a section that still has
	// descendants; there is no implicit cascade.
	ErrHasChildren = errors.New("tree: section has children")

	// ErrPathConflict indicates the allocation step found its computed
	// path already taken; recovered locally by retrying.
	ErrPathConflict = errors.New("tree: path conflict")

	// ErrTransientConflict indicates allocation kept conflicting past the
	// retry budget; the caller may retry the whole operation.
	ErrTransientConflict = errors.New("tree: transient conflict, retry")

	// ErrInvalidFormat indicates an unsupported content format.
	ErrInvalidFormat = errors.New("tree: invalid content format")
)
