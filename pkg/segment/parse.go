package segment

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Outcome classifies the result of [Parse].
type Outcome int

const (
	// Parsed means at least one line matched.
	Parsed Outcome = iota

	// EmptyInput means the text was empty or whitespace once code fences
	// were removed.
	EmptyInput

	// NoMatches means the text had content but no line looked like a
	// segment.
	NoMatches
)

// String implements [fmt.Stringer].
func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case EmptyInput:
		return "empty_input"
	case NoMatches:
		return "no_matches"
	default:
		return "unknown"
	}
}

// ParseResult is what [Parse] returns. Segments is non-empty exactly when
// Outcome is [Parsed].
type ParseResult struct {
	Outcome  Outcome
	Segments []Segment

	// Dropped counts non-blank lines that did not match.
	Dropped int
}

// OK reports whether the parse produced at least one segment.
func (r ParseResult) OK() bool { return r.Outcome == Parsed }

var (
	// linePattern is anchored at the start only; anything after the
	// optional speaker group is the text.
	linePattern = regexp.MustCompile(`^\[\s*(\d+\.?\d*)\s*s?\s*->\s*(\d+\.?\d*)\s*s?\s*\]\s*(?:\[(.*?)\])?\s*(.*)`)

	// fenceOpen matches an opening code fence with an optional language tag,
	// e.g. "```python".
	fenceOpen = regexp.MustCompile("```[A-Za-z0-9_+-]*")
)

// Parse reads text in the canonical form produced by [Format]. Code fences
// are stripped first, so LLM replies wrapped in ``` blocks parse cleanly.
// Lines that do not match are logged at debug level and skipped.
func Parse(text string) ParseResult {
	text = strings.TrimSpace(stripFences(text))
	if text == "" {
		return ParseResult{Outcome: EmptyInput}
	}

	var (
		segs    []Segment
		dropped int
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seg, ok := parseLine(line)
		if !ok {
			dropped++
			slog.Debug("segment: dropping unparseable line", "line", line)
			continue
		}
		segs = append(segs, seg)
	}

	if len(segs) == 0 {
		return ParseResult{Outcome: NoMatches, Dropped: dropped}
	}
	return ParseResult{Outcome: Parsed, Segments: segs, Dropped: dropped}
}

func parseLine(line string) (Segment, bool) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Segment{}, false
	}
	start, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Segment{}, false
	}
	end, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Segment{}, false
	}
	return Segment{
		Start:   start,
		End:     end,
		Speaker: m[3],
		Text:    strings.TrimSpace(m[4]),
	}, true
}

func stripFences(text string) string {
	return fenceOpen.ReplaceAllString(text, "")
}
