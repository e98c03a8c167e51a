package segment_test

import (
	"testing"

	"github.com/PinQiH/speech-to-text/pkg/segment"
)

func TestMerge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		seg   segment.Segment
		turns []segment.Turn
		want  string
	}{
		{
			name:  "larger overlap wins",
			seg:   segment.Segment{Start: 0, End: 10},
			turns: []segment.Turn{{Start: 0, End: 6, Speaker: "A"}, {Start: 5, End: 10, Speaker: "B"}},
			want:  "A",
		},
		{
			name: "overlap accumulates per speaker",
			seg:  segment.Segment{Start: 0, End: 10},
			turns: []segment.Turn{
				{Start: 0, End: 3, Speaker: "A"},
				{Start: 3, End: 7, Speaker: "B"},
				{Start: 7, End: 10, Speaker: "A"},
			},
			want: "A",
		},
		{
			name:  "tie goes to first seen speaker",
			seg:   segment.Segment{Start: 0, End: 10},
			turns: []segment.Turn{{Start: 5, End: 10, Speaker: "B"}, {Start: 0, End: 5, Speaker: "A"}},
			want:  "B",
		},
		{
			name: "tie ignores turns outside the segment",
			seg:  segment.Segment{Start: 10, End: 14},
			turns: []segment.Turn{
				{Start: 0, End: 1, Speaker: "A"},
				{Start: 10, End: 12, Speaker: "B"},
				{Start: 12, End: 14, Speaker: "A"},
			},
			want: "B",
		},
		{
			name:  "no overlap",
			seg:   segment.Segment{Start: 20, End: 30},
			turns: []segment.Turn{{Start: 0, End: 10, Speaker: "A"}},
			want:  segment.UnknownSpeaker,
		},
		{
			name:  "touching boundaries do not count",
			seg:   segment.Segment{Start: 10, End: 20},
			turns: []segment.Turn{{Start: 0, End: 10, Speaker: "A"}, {Start: 20, End: 30, Speaker: "B"}},
			want:  segment.UnknownSpeaker,
		},
		{
			name: "no turns",
			seg:  segment.Segment{Start: 0, End: 1},
			want: segment.UnknownSpeaker,
		},
		{
			name:  "degenerate segment",
			seg:   segment.Segment{Start: 5, End: 5},
			turns: []segment.Turn{{Start: 0, End: 10, Speaker: "A"}},
			want:  segment.UnknownSpeaker,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := segment.Merge([]segment.Segment{tt.seg}, tt.turns)
			if len(got) != 1 {
				t.Fatalf("Merge() returned %d segments, want 1", len(got))
			}
			if got[0].Speaker != tt.want {
				t.Errorf("Merge() speaker = %q, want %q", got[0].Speaker, tt.want)
			}
		})
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	in := []segment.Segment{{Start: 0, End: 1, Text: "x"}}
	out := segment.Merge(in, []segment.Turn{{Start: 0, End: 1, Speaker: "A"}})

	if in[0].Speaker != "" {
		t.Errorf("input mutated: speaker = %q", in[0].Speaker)
	}
	if out[0].Speaker != "A" || out[0].Text != "x" {
		t.Errorf("Merge() = %+v, want speaker A text x", out[0])
	}
}
