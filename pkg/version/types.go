// ABOUTME: Content version history data model
// ABOUTME: Snapshots are append-only and immutable once written

package version

import (
	"time"

	"github.com/nainya/coursetree/pkg/section"
)

// Snapshot is one archived content state of a section. A snapshot is
// appended before every content overwrite and never mutated or deleted by
// normal operations.
type Snapshot struct {
	CourseID  string         `json:"course_id"`
	SectionID string         `json:"section_id"`
	Seq       uint64         `json:"seq"`
	Format    section.Format `json:"format"`
	Text      string         `json:"text"`
	EditorID  string         `json:"editor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// History is the ordered snapshot timeline of one section.
type History struct {
	CourseID  string      `json:"course_id"`
	SectionID string      `json:"section_id"`
	Snapshots []*Snapshot `json:"snapshots"`
}
