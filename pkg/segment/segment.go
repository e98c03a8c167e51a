// Package segment defines the timestamped transcript segment and the two pure
// operations the pipeline applies to it: the bracketed-timestamp text codec
// ([Format] / [Parse]) and the diarization merge ([Merge]).
//
// The canonical text form of a segment is one line:
//
//	[12.34s -> 15.00s] [SPEAKER_00] hello there
//
// The speaker group is omitted when the segment has no speaker. This form is
// both what users see and what they edit, so [Parse] is deliberately tolerant
// and lossy: lines that do not look like a segment are dropped.
//
// All functions in this package are stateless and safe for concurrent use.
package segment

import "strings"

// UnknownSpeaker is assigned by [Merge] to segments that overlap no
// diarization turn at all.
const UnknownSpeaker = "Unknown"

// Segment is a timestamped span of transcribed speech.
type Segment struct {
	// Start and End are offsets from the beginning of the audio, in seconds.
	// Start <= End is expected but not enforced.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	Text string `json:"text"`

	// Speaker is empty when the segment has not been attributed.
	Speaker string `json:"speaker,omitempty"`
}

// Turn is a span produced by speaker diarization. It carries no text.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// JoinText concatenates the text of every segment, separated by a single
// space.
func JoinText(segs []Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// Clone returns a copy of segs that shares no backing array with it.
// A nil input stays nil.
func Clone(segs []Segment) []Segment {
	if segs == nil {
		return nil
	}
	out := make([]Segment, len(segs))
	copy(out, segs)
	return out
}
