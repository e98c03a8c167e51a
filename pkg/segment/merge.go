package segment

// Merge returns a copy of segs with Speaker set from turns.
//
// For every segment the overlap with each turn is
// max(0, min(seg.End, turn.End) - max(seg.Start, turn.Start)), accumulated per
// speaker. The speaker with the largest total wins. Ties go to the speaker
// whose overlapping turn comes first in turns. A segment that overlaps no
// turn gets [UnknownSpeaker].
//
// segs is not modified. Cost is O(len(segs) * len(turns)).
func Merge(segs []Segment, turns []Turn) []Segment {
	out := make([]Segment, len(segs))
	totals := make(map[string]float64)
	var order []string
	for i, s := range segs {
		clear(totals)
		order = order[:0]
		for _, t := range turns {
			ov := overlap(s.Start, s.End, t.Start, t.End)
			if ov <= 0 {
				continue
			}
			if _, ok := totals[t.Speaker]; !ok {
				order = append(order, t.Speaker)
			}
			totals[t.Speaker] += ov
		}

		best, bestOverlap := UnknownSpeaker, 0.0
		for _, spk := range order {
			if totals[spk] > bestOverlap {
				best, bestOverlap = spk, totals[spk]
			}
		}

		out[i] = s
		out[i].Speaker = best
	}
	return out
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	return max(0, min(aEnd, bEnd)-max(aStart, bStart))
}
