// ABOUTME: Course aggregate data model
// ABOUTME: Settings gate tree structure; stats are a pure rollup of sections

package course

import "time"

// Structure is the course's tree-shape policy.
type Structure string

const (
	StructureFlat         Structure = "flat"         // root-level sections only
	StructureHierarchical Structure = "hierarchical" // nested up to MaxNestingDepth
)

// Nesting depth bounds from the course settings contract.
const (
	MinNestingDepth     = 1
	MaxNestingDepthCap  = 5
	DefaultNestingDepth = 3
)

// Settings holds the structural policy for a course's section tree.
type Settings struct {
	MaxNestingDepth int       `json:"max_nesting_depth"`
	Structure       Structure `json:"structure"`
}

// Stats is the rollup over a course's sections. Always recomputed from the
// sections themselves, never hand-edited.
type Stats struct {
	TotalSections     int       `json:"total_sections"`
	TotalWords        int       `json:"total_words"`
	EstimatedReadTime int       `json:"estimated_read_time"` // minutes
	ComputedAt        time.Time `json:"computed_at"`
}

// Course is the root aggregate owning settings and rollup stats. Course and
// owner identity are opaque references handed in by collaborators.
type Course struct {
	ID       string   `json:"id"`
	OwnerID  string   `json:"owner_id"`
	Title    string   `json:"title"`
	Settings Settings `json:"settings"`
	Stats    Stats    `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSettings returns the settings applied to a new course.
func DefaultSettings() Settings {
	return Settings{
		MaxNestingDepth: DefaultNestingDepth,
		Structure:       StructureHierarchical,
	}
}
