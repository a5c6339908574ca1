// ABOUTME: Course store over the shared KV with settings policy enforcement
// ABOUTME: Structure changes validate the existing tree before committing

package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nainya/coursetree/pkg/section"
	"github.com/nainya/coursetree/pkg/store"
)

var (
	// ErrNotFound indicates the course does not exist.
	ErrNotFound = errors.New("course: not found")

	// ErrStructureViolation indicates an operation conflicting with the
	// course's flat structure mode.
	ErrStructureViolation = errors.New("course: structure violation")

	// ErrInvalidDepth indicates a max nesting depth outside 1-5.
	ErrInvalidDepth = errors.New("course: invalid max nesting depth")
)

// Store manages course records.
type Store struct {
	kv *store.Store
}

// NewStore creates a course store over the shared KV.
func NewStore(kv *store.Store) *Store {
	return &Store{kv: kv}
}

// Create persists a new course with the given settings. Zero-value settings
// fields fall back to defaults.
func (cs *Store) Create(ctx context.Context, ownerID, title string, settings Settings) (*Course, error) {
	if settings.MaxNestingDepth == 0 {
		settings.MaxNestingDepth = DefaultNestingDepth
	}
	if settings.Structure == "" {
		settings.Structure = StructureHierarchical
	}
	if settings.MaxNestingDepth < MinNestingDepth || settings.MaxNestingDepth > MaxNestingDepthCap {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, settings.MaxNestingDepth)
	}
	if settings.Structure != StructureFlat && settings.Structure != StructureHierarchical {
		return nil, fmt.Errorf("course: unknown structure %q", settings.Structure)
	}

	now := time.Now().UTC()
	c := &Course{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := cs.kv.Update(ctx, func(txn *badger.Txn) error {
		return putCourse(txn, c)
	})
	if err != nil {
		return nil, fmt.Errorf("course: create: %w", err)
	}
	return c, nil
}

// Get retrieves a course by ID.
func (cs *Store) Get(ctx context.Context, courseID string) (*Course, error) {
	var c *Course
	err := cs.kv.View(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = GetTxn(txn, courseID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetStructure switches the course between flat and hierarchical mode.
// Switching to flat fails with ErrStructureViolation while any section sits
// below level 1; the tree is never auto-flattened.
func (cs *Store) SetStructure(ctx context.Context, courseID string, structure Structure) (*Course, error) {
	if structure != StructureFlat && structure != StructureHierarchical {
		return nil, fmt.Errorf("course: unknown structure %q", structure)
	}

	var c *Course
	err := cs.kv.Update(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = GetTxn(txn, courseID)
		if err != nil {
			return err
		}

		if structure == StructureFlat {
			deep, err := hasNestedSections(txn, courseID)
			if err != nil {
				return err
			}
			if deep {
				return fmt.Errorf("%w: course %s has nested sections", ErrStructureViolation, courseID)
			}
		}

		c.Settings.Structure = structure
		c.UpdatedAt = time.Now().UTC()
		return putCourse(txn, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetMaxNestingDepth constrains future inserts to the new depth. Existing
// sections deeper than n are tolerated as legacy; only new structural
// mutations are validated against the lowered bound.
func (cs *Store) SetMaxNestingDepth(ctx context.Context, courseID string, n int) (*Course, error) {
	if n < MinNestingDepth || n > MaxNestingDepthCap {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, n)
	}

	var c *Course
	err := cs.kv.Update(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = GetTxn(txn, courseID)
		if err != nil {
			return err
		}
		c.Settings.MaxNestingDepth = n
		c.UpdatedAt = time.Now().UTC()
		return putCourse(txn, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateStats overwrites the course rollup with a freshly computed value.
// The write is all-or-nothing; a failed transaction leaves the prior stats
// intact.
func (cs *Store) UpdateStats(ctx context.Context, courseID string, stats Stats) error {
	return cs.kv.Update(ctx, func(txn *badger.Txn) error {
		c, err := GetTxn(txn, courseID)
		if err != nil {
			return err
		}
		c.Stats = stats
		c.UpdatedAt = time.Now().UTC()
		return putCourse(txn, c)
	})
}

// GetTxn loads a course inside an existing transaction.
func GetTxn(txn *badger.Txn, courseID string) (*Course, error) {
	val, ok, err := store.Get(txn, store.CourseKey(courseID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, courseID)
	}
	var c Course
	if err := json.Unmarshal(val, &c); err != nil {
		return nil, fmt.Errorf("course: decode %s: %w", courseID, err)
	}
	return &c, nil
}

func putCourse(txn *badger.Txn, c *Course) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("course: encode %s: %w", c.ID, err)
	}
	return txn.Set(store.CourseKey(c.ID), val)
}

func hasNestedSections(txn *badger.Txn, courseID string) (bool, error) {
	found := false
	err := store.Scan(txn, store.SectionPrefix(courseID), func(key, val []byte) (bool, error) {
		var sec section.Section
		if err := json.Unmarshal(val, &sec); err != nil {
			return false, fmt.Errorf("course: decode section %s: %w", key, err)
		}
		if sec.Level > 1 {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}
