package segment

import (
	"fmt"
	"strings"
)

// Format renders segs in the canonical bracketed-timestamp form, one line per
// segment in input order. Every line, including the last, ends in a newline.
// Times are rendered with two decimal places.
func Format(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		speaker := ""
		if s.Speaker != "" {
			speaker = "[" + s.Speaker + "] "
		}
		fmt.Fprintf(&b, "[%.2fs -> %.2fs] %s%s\n", s.Start, s.End, speaker, s.Text)
	}
	return b.String()
}
