package segment_test

import (
	"reflect"
	"testing"

	"github.com/PinQiH/speech-to-text/pkg/segment"
)

func TestReplaceLabels(t *testing.T) {
	t.Parallel()

	text := "[0.00s -> 1.00s] [SPEAKER_00] hi\n[1.00s -> 2.00s] [SPEAKER_01] yo\n"
	mapping := map[string]string{"SPEAKER_00": "Alice", "SPEAKER_01": "Bob"}

	want := "[0.00s -> 1.00s] [Alice] hi\n[1.00s -> 2.00s] [Bob] yo\n"
	got := segment.ReplaceLabels(text, mapping)
	if got != want {
		t.Fatalf("ReplaceLabels() = %q, want %q", got, want)
	}

	// Applying the same mapping again is a no-op.
	if again := segment.ReplaceLabels(got, mapping); again != got {
		t.Errorf("second ReplaceLabels() = %q, want %q", again, got)
	}
}

func TestRename(t *testing.T) {
	t.Parallel()

	in := []segment.Segment{
		{Text: "a", Speaker: "SPEAKER_00"},
		{Text: "b", Speaker: "Unknown"},
		{Text: "c"},
	}
	mapping := map[string]string{"SPEAKER_00": "Alice", "": "Nobody"}

	got := segment.Rename(in, mapping)
	want := []segment.Segment{
		{Text: "a", Speaker: "Alice"},
		{Text: "b", Speaker: "Unknown"},
		{Text: "c"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Rename() = %+v, want %+v", got, want)
	}
	if in[0].Speaker != "SPEAKER_00" {
		t.Errorf("input mutated: %q", in[0].Speaker)
	}
	if again := segment.Rename(got, mapping); !reflect.DeepEqual(again, got) {
		t.Errorf("Rename() is not idempotent: %+v", again)
	}
}
