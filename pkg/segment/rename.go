package segment

import (
	"maps"
	"slices"
	"strings"
)

// ReplaceLabels replaces every literal occurrence of each mapping key in text
// with its value. Keys are applied in sorted order so the result does not
// depend on map iteration. A label that is a substring of another label may
// be replaced twice; callers choose labels that avoid this.
func ReplaceLabels(text string, mapping map[string]string) string {
	if text == "" {
		return text
	}
	for _, old := range sortedKeys(mapping) {
		if old == "" {
			continue
		}
		text = strings.ReplaceAll(text, old, mapping[old])
	}
	return text
}

// Rename returns a copy of segs where every Speaker that is a key in mapping
// is replaced by its value. Other segments are copied unchanged.
func Rename(segs []Segment, mapping map[string]string) []Segment {
	out := Clone(segs)
	for i := range out {
		if nw, ok := mapping[out[i].Speaker]; ok && out[i].Speaker != "" {
			out[i].Speaker = nw
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
