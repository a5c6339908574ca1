// ABOUTME: Content mutation and derived-metric computation for sections
// ABOUTME: Strips markup per format and keeps Metadata in sync with the primary text

package section

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// readWordsPerMinute is the reading speed used for read-time estimates.
const readWordsPerMinute = 200

// Snapshot is the prior primary-format state captured before a content
// update, handed to the version store by the caller.
type Snapshot struct {
	Format Format
	Blob   Blob
}

// SetContent stores text under the given format and keeps metrics in sync.
// When format is the primary format, or promote flags it as the new primary,
// Metadata is recomputed from the markup-stripped primary text. The returned
// snapshot is the previous primary-format state (ok=false when the section
// never had primary content); callers append it to the version history
// before committing.
func (s *Section) SetContent(format Format, text string, promote bool, now time.Time) (snap Snapshot, ok bool) {
	if s.Content.Formats == nil {
		s.Content.Formats = make(map[Format]Blob)
	}

	if prev, had := s.Content.Formats[s.Content.PrimaryFormat]; had {
		snap = Snapshot{Format: s.Content.PrimaryFormat, Blob: prev}
		ok = true
	}

	s.Content.Formats[format] = Blob{Text: text, UpdatedAt: now}
	if promote {
		s.Content.PrimaryFormat = format
	}

	// Promoting without changing text still recomputes: different formats
	// strip to different lengths.
	if format == s.Content.PrimaryFormat || promote {
		s.RecomputeMetadata()
	}
	s.UpdatedAt = now
	return snap, ok
}

// RecomputeMetadata refreshes Metadata from the current primary-format text.
func (s *Section) RecomputeMetadata() {
	text := ""
	if blob, ok := s.Content.Formats[s.Content.PrimaryFormat]; ok {
		text = blob.Text
	}
	words := CountWords(StripMarkup(s.Content.PrimaryFormat, text))
	s.Content.Metadata = Metadata{
		WordCount:  words,
		ReadTime:   ReadTime(words),
		HasContent: words > 0,
	}
}

// PrimaryText returns the markup-stripped primary-format text.
func (s *Section) PrimaryText() string {
	blob, ok := s.Content.Formats[s.Content.PrimaryFormat]
	if !ok {
		return ""
	}
	return StripMarkup(s.Content.PrimaryFormat, blob.Text)
}

// CountWords splits text on whitespace into non-empty tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// ReadTime estimates reading time in whole minutes, rounding up.
func ReadTime(words int) int {
	if words == 0 {
		return 0
	}
	return (words + readWordsPerMinute - 1) / readWordsPerMinute
}

var (
	htmlTagRe      = regexp.MustCompile(`<[^>]*>`)
	mdImageLinkRe  = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	mdHeadingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBlockquoteRe = regexp.MustCompile(`(?m)^>\s?`)
	mdEmphasisRe   = regexp.MustCompile("[*_`~]")
)

// StripMarkup reduces a format blob to plain prose for word counting.
func StripMarkup(format Format, text string) string {
	switch format {
	case FormatHTML:
		return htmlTagRe.ReplaceAllString(text, " ")
	case FormatMarkdown:
		out := mdImageLinkRe.ReplaceAllString(text, "$1")
		out = htmlTagRe.ReplaceAllString(out, " ")
		out = mdHeadingRe.ReplaceAllString(out, "")
		out = mdBlockquoteRe.ReplaceAllString(out, "")
		return mdEmphasisRe.ReplaceAllString(out, "")
	case FormatEditor:
		return editorStateText(text)
	default:
		return text
	}
}

// editorStateText extracts the prose out of a rich-editor JSON state by
// collecting every "text" string value in the document tree. Non-JSON blobs
// are counted as plain text.
func editorStateText(state string) string {
	var doc interface{}
	if err := json.Unmarshal([]byte(state), &doc); err != nil {
		return state
	}
	var parts []string
	collectTextValues(doc, &parts)
	return strings.Join(parts, " ")
}

func collectTextValues(node interface{}, out *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			*out = append(*out, text)
		}
		for key, child := range v {
			if key == "text" {
				continue
			}
			collectTextValues(child, out)
		}
	case []interface{}:
		for _, child := range v {
			collectTextValues(child, out)
		}
	}
}
