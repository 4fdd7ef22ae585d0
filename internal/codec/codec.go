// Package codec splits raw message text into prose and fenced code segments.
package codec

import (
	"strings"
)

// Kind classifies a Segment.
type Kind string

const (
	Prose Kind = "prose"
	Code  Kind = "code"
)

// DefaultLanguage is used for fences without a language tag.
const DefaultLanguage = "text"

// Segment is one renderable piece of a message body. Language is only set for
// code segments.
type Segment struct {
	Kind     Kind   `json:"kind"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text"`
}

var fenceMarkers = []string{"```", "~~~"}

// Parse splits raw into ordered segments. It never fails: an opening fence
// without a matching close is left as prose.
func Parse(raw string) []Segment {
	var (
		out   []Segment
		prose strings.Builder
		rest  = raw
	)

	flushProse := func(trimTrailingNewline bool) {
		text := prose.String()
		prose.Reset()
		if trimTrailingNewline {
			text = trimOneNewlineRight(text)
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		out = append(out, Segment{Kind: Prose, Text: text})
	}

	for {
		open, marker := nextFence(rest)
		if open < 0 {
			prose.WriteString(rest)
			break
		}

		inner := rest[open+len(marker):]
		end := strings.Index(inner, marker)
		if end < 0 {
			// unterminated: the remainder, fence included, is prose
			prose.WriteString(rest)
			break
		}

		prose.WriteString(rest[:open])
		flushProse(true)

		lang, body := splitFence(inner[:end])
		out = append(out, Segment{Kind: Code, Language: lang, Text: strings.TrimSpace(body)})

		rest = trimOneNewlineLeft(inner[end+len(marker):])
	}
	flushProse(false)

	return out
}

// nextFence returns the index of the earliest fence marker in s.
func nextFence(s string) (int, string) {
	idx, marker := -1, ""
	for _, m := range fenceMarkers {
		if i := strings.Index(s, m); i >= 0 && (idx < 0 || i < idx) {
			idx, marker = i, m
		}
	}
	return idx, marker
}

// splitFence separates the language tag on the opening line from the body.
// A fence that closes on its opening line has no tag.
func splitFence(region string) (lang, body string) {
	nl := strings.IndexByte(region, '\n')
	if nl < 0 {
		return DefaultLanguage, region
	}
	header := strings.Fields(region[:nl])
	if len(header) == 0 {
		return DefaultLanguage, region[nl+1:]
	}
	return header[0], region[nl+1:]
}

func trimOneNewlineLeft(s string) string {
	if strings.HasPrefix(s, "\r\n") {
		return s[2:]
	}
	return strings.TrimPrefix(s, "\n")
}

func trimOneNewlineRight(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(s, "\n")
}

// Render turns segments back into plain text, re-fencing code.
func Render(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 && (seg.Kind == Code || segments[i-1].Kind == Code) {
			b.WriteString("\n")
		}
		switch seg.Kind {
		case Code:
			b.WriteString("```")
			b.WriteString(seg.Language)
			b.WriteString("\n")
			b.WriteString(seg.Text)
			b.WriteString("\n```")
		default:
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}
