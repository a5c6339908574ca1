// ABOUTME: Tests for SectionTree structural and content operations
// ABOUTME: Covers path allocation, depth limits, cascades, and concurrency

package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/nainya/coursetree/pkg/course"
	"github.com/nainya/coursetree/pkg/section"
	"github.com/nainya/coursetree/pkg/stats"
	"github.com/nainya/coursetree/pkg/store"
	"github.com/nainya/coursetree/pkg/version"
)

func setupTree(t *testing.T) (*Tree, *course.Store, *stats.Aggregator, *store.Store) {
	t.Helper()

	kv, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	courses := course.NewStore(kv)
	rollup := stats.NewAggregator(kv, courses, zerolog.Nop())
	return NewTree(kv, courses, rollup), courses, rollup, kv
}

func newCourse(t *testing.T, courses *course.Store, settings course.Settings) *course.Course {
	t.Helper()

	c, err := courses.Create(context.Background(), "owner-1", "Test Course", settings)
	if err != nil {
		t.Fatalf("create course: %v", err)
	}
	return c
}

func TestInsertAllocatesSequentialPaths(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	var roots []*section.Section
	for i := 0; i < 3; i++ {
		sec, err := tree.Insert(ctx, c.ID, "", "Chapter")
		if err != nil {
			t.Fatalf("insert root %d: %v", i, err)
		}
		roots = append(roots, sec)
	}

	wantPaths := []string{"0", "1", "2"}
	for i, sec := range roots {
		if sec.Path != wantPaths[i] {
			t.Errorf("root %d path = %q, want %q", i, sec.Path, wantPaths[i])
		}
		if sec.Level != 1 {
			t.Errorf("root %d level = %d, want 1", i, sec.Level)
		}
		if sec.Order != i {
			t.Errorf("root %d order = %d, want %d", i, sec.Order, i)
		}
	}

	child, err := tree.Insert(ctx, c.ID, roots[0].ID, "Lesson")
	if err != nil {
		t.Fatalf("insert child: %v", err)
	}
	if child.Path != "0.0" {
		t.Errorf("child path = %q, want %q", child.Path, "0.0")
	}
	if child.Level != 2 {
		t.Errorf("child level = %d, want 2", child.Level)
	}
	if child.ParentID != roots[0].ID {
		t.Errorf("child parent = %q, want %q", child.ParentID, roots[0].ID)
	}

	// The parent's HasChildren flag flips on first child.
	parent, err := tree.Get(ctx, c.ID, roots[0].ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if !parent.HasChildren {
		t.Error("parent HasChildren = false after child insert")
	}
}

func TestInsertParentNotFound(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	c := newCourse(t, courses, course.DefaultSettings())

	_, err := tree.Insert(context.Background(), c.ID, "no-such-section", "Orphan")
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("insert under missing parent: err = %v, want ErrParentNotFound", err)
	}
}

func TestInsertDepthLimit(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()

	settings := course.DefaultSettings()
	settings.MaxNestingDepth = 3
	c := newCourse(t, courses, settings)

	a, err := tree.Insert(ctx, c.ID, "", "A")
	if err != nil {
		t.Fatalf("insert A: %v", err)
	}
	b, err := tree.Insert(ctx, c.ID, a.ID, "B")
	if err != nil {
		t.Fatalf("insert B: %v", err)
	}
	d, err := tree.Insert(ctx, c.ID, b.ID, "D")
	if err != nil {
		t.Fatalf("insert D: %v", err)
	}
	if d.Path != "0.0.0" || d.Level != 3 {
		t.Errorf("D path/level = %q/%d, want %q/3", d.Path, d.Level, "0.0.0")
	}

	if _, err := tree.Insert(ctx, c.ID, d.ID, "E"); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("insert at level 4: err = %v, want ErrDepthExceeded", err)
	}
	if err := tree.ValidateNestingDepth(ctx, c.ID, d.ID); !errors.Is(err, ErrDepthExceeded) {
		t.Errorf("validate at level 4: err = %v, want ErrDepthExceeded", err)
	}
	if err := tree.ValidateNestingDepth(ctx, c.ID, b.ID); err != nil {
		t.Errorf("validate at level 3: %v", err)
	}
}

func TestInsertFlatCourse(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()

	settings := course.DefaultSettings()
	settings.Structure = course.StructureFlat
	c := newCourse(t, courses, settings)

	root, err := tree.Insert(ctx, c.ID, "", "Only level")
	if err != nil {
		t.Fatalf("insert root in flat course: %v", err)
	}

	if _, err := tree.Insert(ctx, c.ID, root.ID, "Nested"); !errors.Is(err, course.ErrStructureViolation) {
		t.Fatalf("nested insert in flat course: err = %v, want ErrStructureViolation", err)
	}
}

func TestConcurrentInsertsGetDistinctPaths(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	const n = 12
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Interleaved commits may exhaust the local retry budget;
			// a real caller retries on ErrTransientConflict, so we do too.
			for {
				sec, err := tree.Insert(ctx, c.ID, "", "Concurrent")
				if err == nil {
					mu.Lock()
					paths[sec.Path] = true
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrTransientConflict) {
					t.Errorf("concurrent insert: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(paths) != n {
		t.Fatalf("distinct paths = %d, want %d (duplicates mean a lost ordinal)", len(paths), n)
	}

	children, err := tree.Children(ctx, c.ID, "")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != n {
		t.Errorf("children = %d, want %d", len(children), n)
	}
}

func TestDeleteSubtreeConflictsWithConcurrentInsert(t *testing.T) {
	tree, courses, _, kv := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	root, _ := tree.Insert(ctx, c.ID, "", "Root")
	mid, _ := tree.Insert(ctx, c.ID, root.ID, "Mid")
	if _, err := tree.Insert(ctx, c.ID, mid.ID, "Leaf"); err != nil {
		t.Fatalf("build tree: %v", err)
	}

	// Stage the cascade, then commit a new child of a mid-subtree node
	// whose HasChildren flag is already set, so the insert touches no
	// record the cascade read. The cascade's commit must still conflict
	// rather than leave the new section orphaned.
	var straggler *section.Section
	err := kv.Update(ctx, func(txn *badger.Txn) error {
		if err := tree.deleteSubtreeTxn(txn, c.ID, root.ID); err != nil {
			return err
		}
		var err error
		straggler, err = tree.Insert(ctx, c.ID, mid.ID, "Straggler")
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("cascade commit over concurrent insert: err = %v, want store.ErrConflict", err)
	}

	// The public method retries on the conflict and sweeps the new
	// section into the cascade.
	if err := tree.DeleteSubtree(ctx, c.ID, root.ID); err != nil {
		t.Fatalf("delete subtree after conflict: %v", err)
	}
	if _, err := tree.Get(ctx, c.ID, straggler.ID); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("straggler survived the cascade: err = %v, want ErrSectionNotFound", err)
	}
}

func TestConcurrentContentUpdatesKeepAllSnapshots(t *testing.T) {
	tree, courses, _, kv := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	sec, err := tree.Insert(ctx, c.ID, "", "Contested")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	versions := version.NewStore(kv)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("draft %d", i)
			for {
				_, err := tree.UpdateContent(ctx, c.ID, sec.ID, section.FormatMarkdown, text, false, fmt.Sprintf("editor-%d", i))
				if err == nil {
					return
				}
				if !errors.Is(err, ErrTransientConflict) {
					t.Errorf("concurrent update: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	// The first committed write of a fresh section archives nothing; every
	// later commit archives exactly the state it displaced.
	history, err := versions.List(ctx, c.ID, sec.ID, 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != n-1 {
		t.Fatalf("snapshots = %d, want %d (a committed update dropped its snapshot)", len(history), n-1)
	}

	current, err := tree.Get(ctx, c.ID, sec.ID)
	if err != nil {
		t.Fatalf("get section: %v", err)
	}
	texts := map[string]bool{current.Content.Formats[section.FormatMarkdown].Text: true}
	for _, snap := range history {
		texts[snap.Text] = true
	}
	if len(texts) != n {
		t.Errorf("distinct texts across history and current = %d, want %d", len(texts), n)
	}
}

func TestCorruptParentNotReportedAsMissing(t *testing.T) {
	tree, courses, _, kv := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	err := kv.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(store.SectionKey(c.ID, "corrupt"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}

	_, err = tree.Insert(ctx, c.ID, "corrupt", "Child")
	if err == nil {
		t.Fatal("insert under corrupt parent succeeded")
	}
	if errors.Is(err, ErrParentNotFound) {
		t.Errorf("decode failure reported as ErrParentNotFound: %v", err)
	}

	err = tree.ValidateNestingDepth(ctx, c.ID, "corrupt")
	if err == nil {
		t.Fatal("validate under corrupt parent succeeded")
	}
	if errors.Is(err, ErrParentNotFound) {
		t.Errorf("validate decode failure reported as ErrParentNotFound: %v", err)
	}
}

func TestDeleteLeafResetsParentFlag(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	parent, _ := tree.Insert(ctx, c.ID, "", "Parent")
	child, err := tree.Insert(ctx, c.ID, parent.ID, "Child")
	if err != nil {
		t.Fatalf("insert child: %v", err)
	}

	// A section with descendants cannot be deleted without cascade.
	if err := tree.Delete(ctx, c.ID, parent.ID); !errors.Is(err, ErrHasChildren) {
		t.Fatalf("delete non-leaf: err = %v, want ErrHasChildren", err)
	}

	if err := tree.Delete(ctx, c.ID, child.ID); err != nil {
		t.Fatalf("delete leaf: %v", err)
	}
	if _, err := tree.Get(ctx, c.ID, child.ID); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("get deleted: err = %v, want ErrSectionNotFound", err)
	}

	got, err := tree.Get(ctx, c.ID, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if got.HasChildren {
		t.Error("parent HasChildren = true after last child deleted")
	}

	if err := tree.Delete(ctx, c.ID, parent.ID); err != nil {
		t.Fatalf("delete now-leaf parent: %v", err)
	}
}

func TestDeleteSubtreeCascades(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	root, _ := tree.Insert(ctx, c.ID, "", "Root")
	mid, _ := tree.Insert(ctx, c.ID, root.ID, "Mid")
	leaf, err := tree.Insert(ctx, c.ID, mid.ID, "Leaf")
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	sibling, err := tree.Insert(ctx, c.ID, "", "Sibling")
	if err != nil {
		t.Fatalf("insert sibling: %v", err)
	}

	if err := tree.DeleteSubtree(ctx, c.ID, root.ID); err != nil {
		t.Fatalf("delete subtree: %v", err)
	}

	for _, id := range []string{root.ID, mid.ID, leaf.ID} {
		if _, err := tree.Get(ctx, c.ID, id); !errors.Is(err, ErrSectionNotFound) {
			t.Errorf("get %s after cascade: err = %v, want ErrSectionNotFound", id, err)
		}
	}
	if _, err := tree.Get(ctx, c.ID, sibling.ID); err != nil {
		t.Errorf("sibling removed by cascade: %v", err)
	}
}

func TestReorderKeepsPath(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	first, _ := tree.Insert(ctx, c.ID, "", "First")
	second, err := tree.Insert(ctx, c.ID, "", "Second")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	moved, err := tree.Reorder(ctx, c.ID, second.ID, -1)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if moved.Path != second.Path {
		t.Errorf("reorder changed path %q -> %q", second.Path, moved.Path)
	}

	children, err := tree.Children(ctx, c.ID, "")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if children[0].ID != second.ID || children[1].ID != first.ID {
		t.Errorf("presentation order = [%s %s], want [%s %s]",
			children[0].Title, children[1].Title, "Second", "First")
	}
}

func TestUpdateContentArchivesPreviousPrimary(t *testing.T) {
	tree, courses, _, kv := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	sec, _ := tree.Insert(ctx, c.ID, "", "Lesson")
	versions := version.NewStore(kv)

	// First write of a fresh section has no prior state to archive.
	if _, err := tree.UpdateContent(ctx, c.ID, sec.ID, section.FormatMarkdown, "draft one", false, "editor-a"); err != nil {
		t.Fatalf("first update: %v", err)
	}
	history, err := versions.List(ctx, c.ID, sec.ID, 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("versions after first write = %d, want 0", len(history))
	}

	updated, err := tree.UpdateContent(ctx, c.ID, sec.ID, section.FormatMarkdown, "draft two", false, "editor-b")
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if got := updated.Content.Formats[section.FormatMarkdown].Text; got != "draft two" {
		t.Errorf("stored text = %q, want %q", got, "draft two")
	}

	history, err = versions.List(ctx, c.ID, sec.ID, 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("versions after second write = %d, want 1", len(history))
	}
	if history[0].Text != "draft one" {
		t.Errorf("archived text = %q, want %q", history[0].Text, "draft one")
	}
	if history[0].EditorID != "editor-b" {
		t.Errorf("archived editor = %q, want the editor whose write displaced it", history[0].EditorID)
	}
}

func TestUpdateContentNonPrimaryKeepsMetrics(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	sec, _ := tree.Insert(ctx, c.ID, "", "Lesson")
	if _, err := tree.UpdateContent(ctx, c.ID, sec.ID, section.FormatMarkdown, "one two three", false, "e"); err != nil {
		t.Fatalf("primary update: %v", err)
	}

	got, err := tree.UpdateContent(ctx, c.ID, sec.ID, section.FormatHTML, "<p>a much longer rendering of the text</p>", false, "e")
	if err != nil {
		t.Fatalf("html update: %v", err)
	}
	if got.Content.Metadata.WordCount != 3 {
		t.Errorf("word count = %d, want 3 (non-primary writes must not move metrics)", got.Content.Metadata.WordCount)
	}
	if got.Content.PrimaryFormat != section.FormatMarkdown {
		t.Errorf("primary format = %q, want markdown", got.Content.PrimaryFormat)
	}
}

func TestUpdateContentRejectsUnknownFormat(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	c := newCourse(t, courses, course.DefaultSettings())

	_, err := tree.UpdateContent(context.Background(), c.ID, "any", section.Format("docx"), "x", false, "e")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("unknown format: err = %v, want ErrInvalidFormat", err)
	}
}

func TestListSubtreePathOrder(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	root, _ := tree.Insert(ctx, c.ID, "", "Root")
	c0, _ := tree.Insert(ctx, c.ID, root.ID, "C0")
	c1, _ := tree.Insert(ctx, c.ID, root.ID, "C1")
	g, err := tree.Insert(ctx, c.ID, c0.ID, "G")
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if _, err := tree.Insert(ctx, c.ID, "", "Other root"); err != nil {
		t.Fatalf("insert other root: %v", err)
	}

	got, err := tree.ListSubtree(ctx, c.ID, root.ID)
	if err != nil {
		t.Fatalf("list subtree: %v", err)
	}

	wantIDs := []string{root.ID, c0.ID, g.ID, c1.ID}
	if len(got) != len(wantIDs) {
		t.Fatalf("subtree size = %d, want %d", len(got), len(wantIDs))
	}
	for i, sec := range got {
		if sec.ID != wantIDs[i] {
			t.Errorf("subtree[%d] = %q (path %s), want %q", i, sec.Title, sec.Path, wantIDs[i])
		}
	}
}

func TestAncestorsRootToSection(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	root, _ := tree.Insert(ctx, c.ID, "", "Root")
	mid, _ := tree.Insert(ctx, c.ID, root.ID, "Mid")
	leaf, err := tree.Insert(ctx, c.ID, mid.ID, "Leaf")
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}

	chain, err := tree.Ancestors(ctx, c.ID, leaf.ID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	wantIDs := []string{root.ID, mid.ID, leaf.ID}
	if len(chain) != len(wantIDs) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(wantIDs))
	}
	for i, sec := range chain {
		if sec.ID != wantIDs[i] {
			t.Errorf("chain[%d] = %q, want %q", i, sec.ID, wantIDs[i])
		}
	}
}

func TestSearchRanksTitleAboveBody(t *testing.T) {
	tree, courses, _, _ := setupTree(t)
	ctx := context.Background()
	c := newCourse(t, courses, course.DefaultSettings())

	titled, _ := tree.Insert(ctx, c.ID, "", "Goroutines in depth")
	body, _ := tree.Insert(ctx, c.ID, "", "Concurrency basics")
	if _, err := tree.UpdateContent(ctx, c.ID, body.ID, section.FormatMarkdown, "goroutines are cheap", false, "e"); err != nil {
		t.Fatalf("set body: %v", err)
	}
	if _, err := tree.Insert(ctx, c.ID, "", "Channels"); err != nil {
		t.Fatalf("insert noise: %v", err)
	}

	results, err := tree.Search(ctx, c.ID, "goroutines", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].SectionID != titled.ID {
		t.Errorf("top result = %q, want the title match", results[0].Title)
	}
	if results[1].SectionID != body.ID {
		t.Errorf("second result = %q, want the body match", results[1].Title)
	}
}

func TestStatsRollupAcrossTree(t *testing.T) {
	tree, courses, rollup, _ := setupTree(t)
	ctx := context.Background()

	settings := course.DefaultSettings()
	settings.MaxNestingDepth = 3
	c := newCourse(t, courses, settings)

	root, _ := tree.Insert(ctx, c.ID, "", "Unit")
	lesson, err := tree.Insert(ctx, c.ID, root.ID, "Lesson")
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}

	blob := strings.Repeat("word ", 210)
	if _, err := tree.UpdateContent(ctx, c.ID, lesson.ID, section.FormatMarkdown, blob, false, "e"); err != nil {
		t.Fatalf("update content: %v", err)
	}

	got, err := rollup.StatsFor(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got.TotalSections != 2 {
		t.Errorf("total sections = %d, want 2", got.TotalSections)
	}
	if got.TotalWords != 210 {
		t.Errorf("total words = %d, want 210", got.TotalWords)
	}
	if got.EstimatedReadTime != 2 {
		t.Errorf("estimated read time = %d, want 2", got.EstimatedReadTime)
	}

	if err := tree.DeleteSubtree(ctx, c.ID, root.ID); err != nil {
		t.Fatalf("delete subtree: %v", err)
	}
	got, err = rollup.StatsFor(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats after delete: %v", err)
	}
	if got.TotalSections != 0 || got.TotalWords != 0 {
		t.Errorf("stats after delete = %+v, want zeroed", got)
	}
}
