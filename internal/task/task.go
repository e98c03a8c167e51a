// Package task defines the transcription task record, its state machine and
// the storage interface every backend implements.
//
// A Task is created in [StatusPending] and then advanced by the pipeline
// through transcribing → transcribed → correcting → corrected → summarizing →
// completed. [StatusFailed] is reachable from any non-terminal state and
// [StatusTimeout] only from the three in-flight states, and only through the
// watchdog. Retry is the one way out of a terminal state: it resets the task
// to pending and bumps Attempt.
package task

import (
	"time"

	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// Status is the lifecycle state of a [Task].
type Status string

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusCorrecting   Status = "correcting"
	StatusCorrected    Status = "corrected"
	StatusSummarizing  Status = "summarizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
)

// AllStatuses lists every valid status in pipeline order.
var AllStatuses = []Status{
	StatusPending, StatusTranscribing, StatusTranscribed,
	StatusCorrecting, StatusCorrected, StatusSummarizing,
	StatusCompleted, StatusFailed, StatusTimeout,
}

// InFlightStatuses are the states in which an external call may be running.
var InFlightStatuses = []Status{StatusTranscribing, StatusCorrecting, StatusSummarizing}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions except Retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// IsInFlight reports whether s is a state the watchdog may time out.
func (s Status) IsInFlight() bool {
	switch s {
	case StatusTranscribing, StatusCorrecting, StatusSummarizing:
		return true
	}
	return false
}

// CanTransition reports whether the pipeline may move a task from one status
// to another. The timeout edge is not included; see [CanTimeout].
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusTranscribing
	case StatusTranscribing:
		return to == StatusTranscribed
	case StatusTranscribed:
		return to == StatusCorrecting
	case StatusCorrecting:
		return to == StatusCorrected
	case StatusCorrected:
		return to == StatusSummarizing
	case StatusSummarizing:
		return to == StatusCompleted
	}
	return false
}

// CanTimeout reports whether the watchdog may demote a task in status s.
func CanTimeout(s Status) bool { return s.IsInFlight() }

// Task is one submitted audio file and everything derived from it.
type Task struct {
	ID       string `json:"id"`
	AudioRef string `json:"audio_ref"`
	Filename string `json:"filename"`
	OwnerID  string `json:"owner_id"`
	Username string `json:"username"`

	Status Status `json:"status"`

	// Attempt starts at 1 and is incremented by every retry. Pipeline writes
	// carry the attempt they were started for, so a superseded run cannot
	// overwrite a newer one.
	Attempt int `json:"attempt"`

	// Version is bumped by the store on every write.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RawText      string            `json:"raw_text"`
	RawSegments  []segment.Segment `json:"raw_segments"`
	RawFormatted string            `json:"raw_formatted"`

	CorrectedText      string            `json:"corrected_text"`
	CorrectedSegments  []segment.Segment `json:"corrected_segments"`
	CorrectedFormatted string            `json:"corrected_formatted"`

	// Diarization is nil when diarization was not requested.
	Diarization []segment.Turn `json:"diarization,omitempty"`

	Summary string `json:"summary"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RawSegments = segment.Clone(t.RawSegments)
	c.CorrectedSegments = segment.Clone(t.CorrectedSegments)
	if t.Diarization != nil {
		c.Diarization = make([]segment.Turn, len(t.Diarization))
		copy(c.Diarization, t.Diarization)
	}
	return &c
}

// ResetForRetry clears derived artifacts, returns the task to pending and
// starts a new attempt.
func (t *Task) ResetForRetry() {
	t.Status = StatusPending
	t.Attempt++
	t.RawText, t.RawSegments, t.RawFormatted = "", nil, ""
	t.CorrectedText, t.CorrectedSegments, t.CorrectedFormatted = "", nil, ""
	t.Diarization = nil
	t.Summary = ""
}
