// ABOUTME: Key layout and materialized-path encoding for the course tree
// ABOUTME: Fixed-width path segments keep lexicographic order numeric

package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Key prefixes, one per record type. Every lookup path gets its own
// keyspace.
const (
	prefixCourse   = "crs:"     // crs:<courseID> -> course record
	prefixSection  = "sec:"     // sec:<courseID>:<sectionID> -> section record
	prefixPath     = "pth:"     // pth:<courseID>:<encodedPath> -> sectionID
	prefixChildren = "chd:"     // chd:<courseID>:<parentKey>:<sectionID> -> ""
	prefixSibSeq   = "cnt:sib:" // per-parent sibling ordinal counter
	prefixVerSeq   = "cnt:ver:" // per-section version sequence counter
	prefixVersion  = "ver:"     // ver:<courseID>:<sectionID>:<seq> -> snapshot
)

// pathSegWidth is the zero-padded width of one path segment. Six digits keep
// lexicographic key order equal to numeric sibling order up to a million
// siblings per parent.
const pathSegWidth = 6

// rootParentKey stands in for the empty parent ID inside children and
// counter keys so that root sections index cleanly.
const rootParentKey = "-"

func CourseKey(courseID string) []byte {
	return []byte(prefixCourse + courseID)
}

func SectionKey(courseID, sectionID string) []byte {
	return []byte(prefixSection + courseID + ":" + sectionID)
}

// SectionPrefix covers every section record of one course.
func SectionPrefix(courseID string) []byte {
	return []byte(prefixSection + courseID + ":")
}

// PathKey indexes a section by its encoded materialized path. The key both
// enforces path uniqueness (conditional write) and serves subtree range
// scans.
func PathKey(courseID, path string) []byte {
	return []byte(prefixPath + courseID + ":" + EncodePath(path))
}

// SubtreePrefix covers a section's encoded path and every descendant path.
// With fixed-width segments a longer key sharing the prefix can only extend
// it through a "." separator, so plain prefix iteration is exact.
func SubtreePrefix(courseID, path string) []byte {
	return []byte(prefixPath + courseID + ":" + EncodePath(path))
}

func ChildKey(courseID, parentID, sectionID string) []byte {
	return []byte(prefixChildren + courseID + ":" + parentKey(parentID) + ":" + sectionID)
}

func ChildPrefix(courseID, parentID string) []byte {
	return []byte(prefixChildren + courseID + ":" + parentKey(parentID) + ":")
}

func SiblingSeqKey(courseID, parentID string) []byte {
	return []byte(prefixSibSeq + courseID + ":" + parentKey(parentID))
}

func VersionSeqKey(courseID, sectionID string) []byte {
	return []byte(prefixVerSeq + courseID + ":" + sectionID)
}

func VersionKey(courseID, sectionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%012d", prefixVersion, courseID, sectionID, seq))
}

func VersionPrefix(courseID, sectionID string) []byte {
	return []byte(prefixVersion + courseID + ":" + sectionID + ":")
}

func parentKey(parentID string) string {
	if parentID == "" {
		return rootParentKey
	}
	return parentID
}

// EncodePath converts a dot-separated ordinal path ("0.1.3") into its
// fixed-width form ("000000.000001.000003") for use inside keys.
func EncodePath(path string) string {
	if path == "" {
		return ""
	}
	segs := strings.Split(path, ".")
	out := make([]string, len(segs))
	for i, seg := range segs {
		n, err := strconv.ParseUint(seg, 10, 64)
		if err != nil {
			// Paths are engine-generated; a bad segment means a corrupt
			// record, keep it inert rather than panicking mid-scan.
			out[i] = seg
			continue
		}
		out[i] = fmt.Sprintf("%0*d", pathSegWidth, n)
	}
	return strings.Join(out, ".")
}

// DecodePath reverses EncodePath back to the compact stored form.
func DecodePath(encoded string) string {
	if encoded == "" {
		return ""
	}
	segs := strings.Split(encoded, ".")
	out := make([]string, len(segs))
	for i, seg := range segs {
		n, err := strconv.ParseUint(seg, 10, 64)
		if err != nil {
			out[i] = seg
			continue
		}
		out[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(out, ".")
}

// SectionIDFromChildKey extracts the trailing section ID from a children
// index key.
func SectionIDFromChildKey(key []byte) string {
	parts := strings.Split(string(key), ":")
	return parts[len(parts)-1]
}
