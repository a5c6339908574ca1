// ABOUTME: Path allocation for section inserts
// ABOUTME: Sibling ordinals come from an atomically-checked per-parent counter

package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/nainya/coursetree/pkg/course"
	"github.com/nainya/coursetree/pkg/section"
	"github.com/nainya/coursetree/pkg/store"
)

// maxAllocAttempts bounds the local retry loop around allocation
// conflicts before ErrTransientConflict surfaces to the caller.
const maxAllocAttempts = 5

// placement is a computed tree position for a section being inserted.
type placement struct {
	path    string
	level   int
	ordinal uint64
}

// allocate computes the path and level for a new child of parentID inside
// txn. The sibling ordinal is read-and-incremented in the same transaction
// as the insert; a concurrent allocation under the same parent conflicts at
// commit rather than silently reusing the ordinal. A naive count-then-write
// would lose that race.
func allocate(txn *badger.Txn, c *course.Course, parentID string) (placement, error) {
	level := 1
	parentPath := ""

	if parentID != "" {
		parent, err := getSectionTxn(txn, c.ID, parentID)
		if errors.Is(err, ErrSectionNotFound) {
			return placement{}, fmt.Errorf("%w: %s in course %s", ErrParentNotFound, parentID, c.ID)
		}
		if err != nil {
			return placement{}, err
		}
		level = parent.Level + 1
		parentPath = parent.Path
	}

	if c.Settings.Structure == course.StructureFlat && level > 1 {
		return placement{}, fmt.Errorf("%w: course %s is flat", course.ErrStructureViolation, c.ID)
	}
	if level > c.Settings.MaxNestingDepth {
		return placement{}, fmt.Errorf("%w: level %d > max %d", ErrDepthExceeded, level, c.Settings.MaxNestingDepth)
	}

	ordinal, err := store.NextSeq(txn, store.SiblingSeqKey(c.ID, parentID))
	if err != nil {
		return placement{}, err
	}

	path := strconv.FormatUint(ordinal, 10)
	if parentPath != "" {
		path = parentPath + "." + path
	}

	// Re-validate uniqueness before committing; a hit means a concurrent
	// allocation got there first and the insert must retry fresh.
	if _, taken, err := store.Get(txn, store.PathKey(c.ID, path)); err != nil {
		return placement{}, err
	} else if taken {
		return placement{}, fmt.Errorf("%w: %s in course %s", ErrPathConflict, path, c.ID)
	}

	return placement{path: path, level: level, ordinal: ordinal}, nil
}

func getSectionTxn(txn *badger.Txn, courseID, sectionID string) (*section.Section, error) {
	val, ok, err := store.Get(txn, store.SectionKey(courseID, sectionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in course %s", ErrSectionNotFound, sectionID, courseID)
	}
	var sec section.Section
	if err := json.Unmarshal(val, &sec); err != nil {
		return nil, fmt.Errorf("tree: decode section %s: %w", sectionID, err)
	}
	return &sec, nil
}

func putSectionTxn(txn *badger.Txn, sec *section.Section) error {
	val, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("tree: encode section %s: %w", sec.ID, err)
	}
	return txn.Set(store.SectionKey(sec.CourseID, sec.ID), val)
}
