// ABOUTME: Section data model for the course content tree
// ABOUTME: Defines Section, multi-format Content, and derived metrics

package section

import "time"

// Format identifies one stored representation of a section's content.
type Format string

const (
	FormatMarkdown Format = "markdown" // structured-markup source
	FormatHTML     Format = "html"     // rendered markup
	FormatEditor   Format = "editor"   // rich-editor state (JSON)
)

// ValidFormat reports whether f is a supported content format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatMarkdown, FormatHTML, FormatEditor:
		return true
	}
	return false
}

// Blob is one stored content representation with its generation timestamp.
type Blob struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata mirrors the metrics derived from the primary-format text. It is
// recomputed on every content change and never hand-edited.
type Metadata struct {
	WordCount  int  `json:"word_count"`
	ReadTime   int  `json:"read_time"` // minutes, ceil(words/200)
	HasContent bool `json:"has_content"`
}

// Content holds a section's synchronized format blobs. PrimaryFormat flags
// the authoritative source for metrics; other formats are renderings that
// may lag.
type Content struct {
	Formats       map[Format]Blob `json:"formats"`
	PrimaryFormat Format          `json:"primary_format"`
	Metadata      Metadata        `json:"metadata"`
}

// Section is one node in a course's content tree.
type Section struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	ParentID string `json:"parent_id,omitempty"` // empty for root sections
	Title    string `json:"title"`

	// Path is the materialized path of sibling ordinals ("0.1.3"). It
	// strictly determines tree position; Level always equals the number
	// of path segments.
	Path  string `json:"path"`
	Level int    `json:"level"`

	// Order is the presentation sort key within a sibling group,
	// independent of Path.
	Order int `json:"order"`

	Content     Content `json:"content"`
	HasChildren bool    `json:"has_children"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewContent returns an empty content record with the given primary format.
func NewContent(primary Format) Content {
	return Content{
		Formats:       make(map[Format]Blob),
		PrimaryFormat: primary,
	}
}
