package task_test

import (
	"testing"

	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

func TestCanTransition_PendingOnlyToTranscribing(t *testing.T) {
	t.Parallel()

	for _, to := range task.AllStatuses {
		got := task.CanTransition(task.StatusPending, to)
		want := to == task.StatusTranscribing || to == task.StatusFailed
		if got != want {
			t.Errorf("CanTransition(pending, %s) = %v, want %v", to, got, want)
		}
	}
}

func TestCanTransition_HappyPath(t *testing.T) {
	t.Parallel()

	path := []task.Status{
		task.StatusPending, task.StatusTranscribing, task.StatusTranscribed,
		task.StatusCorrecting, task.StatusCorrected, task.StatusSummarizing,
		task.StatusCompleted,
	}
	for i := 0; i+1 < len(path); i++ {
		if !task.CanTransition(path[i], path[i+1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", path[i], path[i+1])
		}
	}
	if task.CanTransition(task.StatusTranscribing, task.StatusCorrecting) {
		t.Error("stages must not be skipped")
	}
}

func TestCanTransition_TerminalHasNoEdges(t *testing.T) {
	t.Parallel()

	for _, from := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusTimeout} {
		if !from.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", from)
		}
		for _, to := range task.AllStatuses {
			if task.CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}
}

func TestTimeout_OnlyFromInFlight(t *testing.T) {
	t.Parallel()

	for _, s := range task.AllStatuses {
		want := s == task.StatusTranscribing || s == task.StatusCorrecting || s == task.StatusSummarizing
		if got := task.CanTimeout(s); got != want {
			t.Errorf("CanTimeout(%s) = %v, want %v", s, got, want)
		}
		// Normal stage completion never produces timeout.
		if task.CanTransition(s, task.StatusTimeout) {
			t.Errorf("CanTransition(%s, timeout) = true, want false", s)
		}
	}
}

func TestFailedReachableFromNonTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range task.AllStatuses {
		if got := task.CanTransition(s, task.StatusFailed); got == s.IsTerminal() {
			t.Errorf("CanTransition(%s, failed) = %v", s, got)
		}
	}
}

func TestStatus_IsValid(t *testing.T) {
	t.Parallel()

	if !task.StatusCorrecting.IsValid() {
		t.Error("correcting should be valid")
	}
	if task.Status("exploded").IsValid() {
		t.Error("unknown status should be invalid")
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &task.Task{
		ID:                "a",
		RawSegments:       []segment.Segment{{Text: "x"}},
		CorrectedSegments: []segment.Segment{{Text: "y"}},
		Diarization:       []segment.Turn{{Speaker: "A"}},
	}
	c := orig.Clone()
	c.RawSegments[0].Text = "changed"
	c.CorrectedSegments[0].Text = "changed"
	c.Diarization[0].Speaker = "B"

	if orig.RawSegments[0].Text != "x" || orig.CorrectedSegments[0].Text != "y" || orig.Diarization[0].Speaker != "A" {
		t.Errorf("Clone shares memory with original: %+v", orig)
	}
	if (*task.Task)(nil).Clone() != nil {
		t.Error("nil Clone should be nil")
	}
}

func TestTask_ResetForRetry(t *testing.T) {
	t.Parallel()

	tk := &task.Task{
		Status:             task.StatusFailed,
		Attempt:            1,
		RawText:            "raw",
		RawFormatted:       "raw",
		CorrectedFormatted: "c",
		Diarization:        []segment.Turn{{Speaker: "A"}},
		Summary:            "s",
	}
	tk.ResetForRetry()

	if tk.Status != task.StatusPending || tk.Attempt != 2 {
		t.Errorf("status/attempt = %s/%d, want pending/2", tk.Status, tk.Attempt)
	}
	if tk.RawText != "" || tk.CorrectedFormatted != "" || tk.Summary != "" || tk.Diarization != nil {
		t.Errorf("artifacts not cleared: %+v", tk)
	}
}
