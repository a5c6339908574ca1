// ABOUTME: SectionTree operations for one course's content hierarchy
// ABOUTME: Every mutation validates invariants before any write commits

package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nainya/coursetree/pkg/course"
	"github.com/nainya/coursetree/pkg/section"
	"github.com/nainya/coursetree/pkg/stats"
	"github.com/nainya/coursetree/pkg/store"
	"github.com/nainya/coursetree/pkg/version"
)

// Tree is the per-course API surface for structural and content mutations.
// It is the only component that allocates paths and commits structural
// changes; collaborators hold course and user identity as opaque strings.
type Tree struct {
	kv      *store.Store
	courses *course.Store
	rollup  *stats.Aggregator
}

// NewTree creates the section tree engine over the shared KV.
func NewTree(kv *store.Store, courses *course.Store, rollup *stats.Aggregator) *Tree {
	return &Tree{kv: kv, courses: courses, rollup: rollup}
}

// SearchResult is a scored keyword match within a course.
type SearchResult struct {
	SectionID string  `json:"section_id"`
	Title     string  `json:"title"`
	Path      string  `json:"path"`
	Score     float64 `json:"score"`
}

// Insert creates a new section under parentID (empty for a root section).
// Settings are validated and the path allocated atomically with the write;
// allocation conflicts with concurrent inserts under the same parent are
// retried locally before ErrTransientConflict surfaces.
func (t *Tree) Insert(ctx context.Context, courseID, parentID, title string) (*section.Section, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		var sec *section.Section
		err := t.kv.Update(ctx, func(txn *badger.Txn) error {
			c, err := course.GetTxn(txn, courseID)
			if err != nil {
				return err
			}

			pl, err := allocate(txn, c, parentID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			sec = &section.Section{
				ID:        uuid.NewString(),
				CourseID:  courseID,
				ParentID:  parentID,
				Title:     title,
				Path:      pl.path,
				Level:     pl.level,
				Order:     int(pl.ordinal),
				Content:   section.NewContent(section.FormatMarkdown),
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := putSectionTxn(txn, sec); err != nil {
				return err
			}
			if err := txn.Set(store.PathKey(courseID, sec.Path), []byte(sec.ID)); err != nil {
				return err
			}
			if err := txn.Set(store.ChildKey(courseID, parentID, sec.ID), nil); err != nil {
				return err
			}

			if parentID != "" {
				parent, err := getSectionTxn(txn, courseID, parentID)
				if err != nil {
					return err
				}
				if !parent.HasChildren {
					parent.HasChildren = true
					parent.UpdatedAt = now
					if err := putSectionTxn(txn, parent); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err == nil {
			t.rollup.SectionChanged(ctx, courseID)
			return sec, nil
		}
		if errors.Is(err, store.ErrConflict) || errors.Is(err, ErrPathConflict) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: insert under %q in course %s", ErrTransientConflict, parentID, courseID)
}

// Get retrieves one section.
func (t *Tree) Get(ctx context.Context, courseID, sectionID string) (*section.Section, error) {
	var sec *section.Section
	err := t.kv.View(ctx, func(txn *badger.Txn) error {
		var err error
		sec, err = getSectionTxn(txn, courseID, sectionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sec, nil
}

// Children returns the direct children of parentID (empty for roots) in
// presentation order.
func (t *Tree) Children(ctx context.Context, courseID, parentID string) ([]*section.Section, error) {
	var children []*section.Section
	err := t.kv.View(ctx, func(txn *badger.Txn) error {
		return store.Scan(txn, store.ChildPrefix(courseID, parentID), func(key, val []byte) (bool, error) {
			sec, err := getSectionTxn(txn, courseID, store.SectionIDFromChildKey(key))
			if err != nil {
				return false, err
			}
			children = append(children, sec)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSections(children)
	return children, nil
}

// Delete removes a leaf section. Sections with descendants fail with
// ErrHasChildren; the caller deletes bottom-up or uses DeleteSubtree.
// Removing the last child resets the parent's HasChildren flag.
func (t *Tree) Delete(ctx context.Context, courseID, sectionID string) error {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		err := t.kv.Update(ctx, func(txn *badger.Txn) error {
			sec, err := getSectionTxn(txn, courseID, sectionID)
			if err != nil {
				return err
			}

			hasKids, err := anyKeyWithPrefix(txn, store.ChildPrefix(courseID, sectionID))
			if err != nil {
				return err
			}
			if hasKids {
				return fmt.Errorf("%w: %s", ErrHasChildren, sectionID)
			}

			if err := deleteSectionKeys(txn, sec); err != nil {
				return err
			}
			return resetParentIfChildless(txn, courseID, sec.ParentID)
		})
		if err == nil {
			t.rollup.SectionChanged(ctx, courseID)
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: delete %s in course %s", ErrTransientConflict, sectionID, courseID)
}

// DeleteSubtree atomically removes a section and all of its descendants,
// the explicit cascade counterpart to Delete.
func (t *Tree) DeleteSubtree(ctx context.Context, courseID, sectionID string) error {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		err := t.kv.Update(ctx, func(txn *badger.Txn) error {
			return t.deleteSubtreeTxn(txn, courseID, sectionID)
		})
		if err == nil {
			t.rollup.SectionChanged(ctx, courseID)
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: delete subtree %s in course %s", ErrTransientConflict, sectionID, courseID)
}

// deleteSubtreeTxn stages the cascade inside txn. The descendant set comes
// from an iterator scan, and iterator reads are not conflict-tracked by the
// store; the tracked read of each deleted node's sibling counter is what
// makes a concurrent insert under any of them conflict at commit instead of
// committing an orphan.
func (t *Tree) deleteSubtreeTxn(txn *badger.Txn, courseID, sectionID string) error {
	root, err := getSectionTxn(txn, courseID, sectionID)
	if err != nil {
		return err
	}

	var ids []string
	err = store.Scan(txn, store.SubtreePrefix(courseID, root.Path), func(key, val []byte) (bool, error) {
		ids = append(ids, string(val))
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		sec, err := getSectionTxn(txn, courseID, id)
		if err != nil {
			return err
		}
		if _, _, err := store.Get(txn, store.SiblingSeqKey(courseID, id)); err != nil {
			return err
		}
		if err := deleteSectionKeys(txn, sec); err != nil {
			return err
		}
	}
	return resetParentIfChildless(txn, courseID, root.ParentID)
}

// Reorder updates only the presentation sort key. Path and level are never
// touched, so no descendant renumbering happens.
func (t *Tree) Reorder(ctx context.Context, courseID, sectionID string, newOrder int) (*section.Section, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		var sec *section.Section
		err := t.kv.Update(ctx, func(txn *badger.Txn) error {
			var err error
			sec, err = getSectionTxn(txn, courseID, sectionID)
			if err != nil {
				return err
			}
			sec.Order = newOrder
			sec.UpdatedAt = time.Now().UTC()
			return putSectionTxn(txn, sec)
		})
		if err == nil {
			return sec, nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: reorder %s in course %s", ErrTransientConflict, sectionID, courseID)
}

// UpdateContent stores text under the given format, archiving the previous
// primary state to the version history in the same transaction. Concurrent
// editors of one section race last-write-wins on the blob, but every
// committed update appends its snapshot first, so no version is dropped.
func (t *Tree) UpdateContent(ctx context.Context, courseID, sectionID string, format section.Format, text string, promote bool, editorID string) (*section.Section, error) {
	if !section.ValidFormat(format) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		var sec *section.Section
		err := t.kv.Update(ctx, func(txn *badger.Txn) error {
			var err error
			sec, err = getSectionTxn(txn, courseID, sectionID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			snap, ok := sec.SetContent(format, text, promote, now)
			if ok {
				err := version.AppendTxn(txn, &version.Snapshot{
					CourseID:  courseID,
					SectionID: sectionID,
					Format:    snap.Format,
					Text:      snap.Blob.Text,
					EditorID:  editorID,
					CreatedAt: now,
				})
				if err != nil {
					return err
				}
			}
			return putSectionTxn(txn, sec)
		})
		if err == nil {
			t.rollup.SectionChanged(ctx, courseID)
			return sec, nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: update content of %s in course %s", ErrTransientConflict, sectionID, courseID)
}

// ListSubtree returns the section and all descendants ordered by path. The
// materialized-path index makes this one range scan over the path prefix
// rather than a recursive walk.
func (t *Tree) ListSubtree(ctx context.Context, courseID, sectionID string) ([]*section.Section, error) {
	var sections []*section.Section
	err := t.kv.View(ctx, func(txn *badger.Txn) error {
		root, err := getSectionTxn(txn, courseID, sectionID)
		if err != nil {
			return err
		}
		return store.Scan(txn, store.SubtreePrefix(courseID, root.Path), func(key, val []byte) (bool, error) {
			sec, err := getSectionTxn(txn, courseID, string(val))
			if err != nil {
				return false, err
			}
			sections = append(sections, sec)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sections, nil
}

// Ancestors returns the chain from the root section down to sectionID,
// inclusive.
func (t *Tree) Ancestors(ctx context.Context, courseID, sectionID string) ([]*section.Section, error) {
	var chain []*section.Section
	err := t.kv.View(ctx, func(txn *badger.Txn) error {
		currentID := sectionID
		for currentID != "" {
			sec, err := getSectionTxn(txn, courseID, currentID)
			if err != nil {
				return err
			}
			chain = append([]*section.Section{sec}, chain...)
			currentID = sec.ParentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ValidateNestingDepth pre-checks whether a child of parentID would fit
// the course settings, letting callers fail fast before attempting an
// insert.
func (t *Tree) ValidateNestingDepth(ctx context.Context, courseID, parentID string) error {
	return t.kv.View(ctx, func(txn *badger.Txn) error {
		c, err := course.GetTxn(txn, courseID)
		if err != nil {
			return err
		}

		level := 1
		if parentID != "" {
			parent, err := getSectionTxn(txn, courseID, parentID)
			if errors.Is(err, ErrSectionNotFound) {
				return fmt.Errorf("%w: %s in course %s", ErrParentNotFound, parentID, courseID)
			}
			if err != nil {
				return err
			}
			level = parent.Level + 1
		}

		if c.Settings.Structure == course.StructureFlat && level > 1 {
			return fmt.Errorf("%w: course %s is flat", course.ErrStructureViolation, courseID)
		}
		if level > c.Settings.MaxNestingDepth {
			return fmt.Errorf("%w: level %d > max %d", ErrDepthExceeded, level, c.Settings.MaxNestingDepth)
		}
		return nil
	})
}

// Search scores sections of a course against whitespace-separated query
// terms, titles weighing heavier than body text.
func (t *Tree) Search(ctx context.Context, courseID, query string, limit int) ([]*SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var results []*SearchResult
	err := t.kv.View(ctx, func(txn *badger.Txn) error {
		return store.Scan(txn, store.SectionPrefix(courseID), func(key, val []byte) (bool, error) {
			sec, err := getSectionTxn(txn, courseID, sectionIDFromKey(key))
			if err != nil {
				return false, err
			}
			if score := scoreSection(sec, terms); score > 0 {
				results = append(results, &SearchResult{
					SectionID: sec.ID,
					Title:     sec.Title,
					Path:      sec.Path,
					Score:     score,
				})
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func scoreSection(sec *section.Section, terms []string) float64 {
	title := strings.ToLower(sec.Title)
	body := strings.ToLower(sec.PrimaryText())

	score := 0.0
	for _, term := range terms {
		if strings.Contains(title, term) {
			score += 3.0
		}
		if strings.Contains(body, term) {
			score += 1.0
		}
	}
	return score
}

func sortSections(secs []*section.Section) {
	sort.Slice(secs, func(i, j int) bool {
		if secs[i].Order != secs[j].Order {
			return secs[i].Order < secs[j].Order
		}
		return secs[i].Path < secs[j].Path
	})
}

func anyKeyWithPrefix(txn *badger.Txn, prefix []byte) (bool, error) {
	found := false
	err := store.Scan(txn, prefix, func(key, val []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}

func deleteSectionKeys(txn *badger.Txn, sec *section.Section) error {
	if err := txn.Delete(store.SectionKey(sec.CourseID, sec.ID)); err != nil {
		return err
	}
	if err := txn.Delete(store.PathKey(sec.CourseID, sec.Path)); err != nil {
		return err
	}
	return txn.Delete(store.ChildKey(sec.CourseID, sec.ParentID, sec.ID))
}

// resetParentIfChildless clears HasChildren on the parent when the deletes
// staged in txn leave it without children. Pending deletes are visible to
// the in-transaction scan.
func resetParentIfChildless(txn *badger.Txn, courseID, parentID string) error {
	if parentID == "" {
		return nil
	}
	remaining, err := anyKeyWithPrefix(txn, store.ChildPrefix(courseID, parentID))
	if err != nil {
		return err
	}
	if remaining {
		return nil
	}
	parent, err := getSectionTxn(txn, courseID, parentID)
	if err != nil {
		return err
	}
	if parent.HasChildren {
		parent.HasChildren = false
		parent.UpdatedAt = time.Now().UTC()
		return putSectionTxn(txn, parent)
	}
	return nil
}

func sectionIDFromKey(key []byte) string {
	parts := strings.Split(string(key), ":")
	return parts[len(parts)-1]
}
