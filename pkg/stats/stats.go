// ABOUTME: Course-level rollup statistics recomputed from sections
// ABOUTME: Dirty-tracked and deduplicated; failures keep the stale value

package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nainya/coursetree/pkg/course"
	"github.com/nainya/coursetree/pkg/section"
	"github.com/nainya/coursetree/pkg/store"
)

// Aggregator keeps course.Stats a correct function of the course's
// sections. Consistency is eventual: a recompute may observe a transient
// snapshot of the tree, and the dirty flag guarantees the next read
// converges.
type Aggregator struct {
	kv      *store.Store
	courses *course.Store
	log     zerolog.Logger
	group   singleflight.Group

	mu    sync.Mutex
	dirty map[string]bool

	// OnRecompute, when set, observes every recompute outcome. Used for
	// metrics wiring.
	OnRecompute func(courseID string, err error)
}

// NewAggregator creates a stats aggregator over the shared KV.
func NewAggregator(kv *store.Store, courses *course.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		kv:      kv,
		courses: courses,
		log:     log,
		dirty:   make(map[string]bool),
	}
}

// SectionChanged marks the course dirty and kicks a recompute. A burst of
// edits collapses into one in-flight recompute; any change that lands after
// an in-flight scan started leaves the flag dirty so the next read
// recomputes again. Failures are logged and the stale value kept; they are
// never surfaced to the mutating caller.
func (a *Aggregator) SectionChanged(ctx context.Context, courseID string) {
	a.markDirty(courseID)
	if _, err := a.recomputeShared(ctx, courseID); err != nil {
		a.markDirty(courseID)
		a.log.Warn().
			Str("component", "stats").
			Str("course_id", courseID).
			Err(err).
			Msg("Stats recompute failed, keeping stale value")
	}
}

// StatsFor returns the course rollup, recomputing first when a prior change
// left it dirty. Collaborators reading stats therefore never see a
// stale-forever value.
func (a *Aggregator) StatsFor(ctx context.Context, courseID string) (course.Stats, error) {
	if a.isDirty(courseID) {
		if st, err := a.recomputeShared(ctx, courseID); err == nil {
			return st, nil
		}
		// Fall through to the stored (stale) value.
	}
	c, err := a.courses.Get(ctx, courseID)
	if err != nil {
		return course.Stats{}, err
	}
	return c.Stats, nil
}

// Recompute reads the full section set and rewrites the rollup. Idempotent;
// it either writes a complete stats record or leaves the prior one intact.
func (a *Aggregator) Recompute(ctx context.Context, courseID string) (course.Stats, error) {
	// Clear before scanning: a mutation landing mid-scan re-marks dirty
	// and triggers its own recompute.
	a.clearDirty(courseID)

	var totalSections, totalWords int
	err := a.kv.View(ctx, func(txn *badger.Txn) error {
		return store.Scan(txn, store.SectionPrefix(courseID), func(key, val []byte) (bool, error) {
			var sec section.Section
			if err := json.Unmarshal(val, &sec); err != nil {
				return false, fmt.Errorf("stats: decode section %s: %w", key, err)
			}
			totalSections++
			totalWords += sec.Content.Metadata.WordCount
			return true, nil
		})
	})
	if err != nil {
		return course.Stats{}, err
	}

	st := course.Stats{
		TotalSections:     totalSections,
		TotalWords:        totalWords,
		EstimatedReadTime: section.ReadTime(totalWords),
		ComputedAt:        time.Now().UTC(),
	}
	if err := a.courses.UpdateStats(ctx, courseID, st); err != nil {
		return course.Stats{}, err
	}
	return st, nil
}

func (a *Aggregator) recomputeShared(ctx context.Context, courseID string) (course.Stats, error) {
	v, err, _ := a.group.Do(courseID, func() (interface{}, error) {
		return a.Recompute(ctx, courseID)
	})
	if a.OnRecompute != nil {
		a.OnRecompute(courseID, err)
	}
	if err != nil {
		return course.Stats{}, err
	}
	return v.(course.Stats), nil
}

func (a *Aggregator) markDirty(courseID string) {
	a.mu.Lock()
	a.dirty[courseID] = true
	a.mu.Unlock()
}

func (a *Aggregator) clearDirty(courseID string) {
	a.mu.Lock()
	delete(a.dirty, courseID)
	a.mu.Unlock()
}

func (a *Aggregator) isDirty(courseID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty[courseID]
}
