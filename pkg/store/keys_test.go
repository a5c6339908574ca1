// ABOUTME: Tests for path encoding and key layout
// ABOUTME: Verifies lexicographic order matches numeric sibling order

package store

import (
	"bytes"
	"sort"
	"testing"
)

func TestEncodePathRoundTrip(t *testing.T) {
	paths := []string{"0", "0.1.3", "12.0.7", "999999"}
	for _, p := range paths {
		enc := EncodePath(p)
		if got := DecodePath(enc); got != p {
			t.Errorf("round trip of %q: got %q via %q", p, got, enc)
		}
	}
}

func TestEncodePathOrderBeyondNineSiblings(t *testing.T) {
	// Raw decimal paths sort "10" before "2"; the encoded form must not.
	encoded := []string{
		EncodePath("0.2"),
		EncodePath("0.10"),
		EncodePath("0.100"),
	}
	sorted := append([]string(nil), encoded...)
	sort.Strings(sorted)

	for i := range encoded {
		if encoded[i] != sorted[i] {
			t.Fatalf("encoded paths out of order: %v vs sorted %v", encoded, sorted)
		}
	}
}

func TestSubtreePrefixCoversDescendantsOnly(t *testing.T) {
	prefix := SubtreePrefix("c1", "0.1")

	self := PathKey("c1", "0.1")
	child := PathKey("c1", "0.1.0")
	sibling := PathKey("c1", "0.2")
	deepSibling := PathKey("c1", "0.10")

	if !bytes.HasPrefix(self, prefix) {
		t.Error("subtree prefix must cover the section itself")
	}
	if !bytes.HasPrefix(child, prefix) {
		t.Error("subtree prefix must cover descendants")
	}
	if bytes.HasPrefix(sibling, prefix) {
		t.Error("subtree prefix must not cover siblings")
	}
	if bytes.HasPrefix(deepSibling, prefix) {
		t.Error("subtree prefix must not cover later siblings")
	}
}

func TestRootAndChildKeysDistinct(t *testing.T) {
	root := ChildKey("c1", "", "s1")
	child := ChildKey("c1", "p1", "s1")
	if bytes.Equal(root, child) {
		t.Error("root and non-root child keys must differ")
	}
	if got := SectionIDFromChildKey(root); got != "s1" {
		t.Errorf("expected s1, got %s", got)
	}
}
