package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// Patch is a manual edit of a finished transcript. Nil or empty fields are
// left alone.
type Patch struct {
	// CorrectedSubtitles replaces the corrected transcript text. When it
	// parses, the structured segments are rebuilt from it.
	CorrectedSubtitles *string `json:"corrected_subtitles,omitempty"`

	// Summary replaces the summary.
	Summary *string `json:"summary,omitempty"`

	// SpeakerMap renames speaker labels, e.g. {"SPEAKER_00": "Alice"}.
	SpeakerMap map[string]string `json:"speaker_map,omitempty"`

	// RegenerateSummary asks for a new summary with APIKey once the edits
	// are applied. It is ignored without a key.
	RegenerateSummary bool   `json:"regenerate_summary,omitempty"`
	APIKey            string `json:"api_key,omitempty"`
}

func nonEmpty(s *string) bool { return s != nil && *s != "" }

// Apply performs the text edits of p on t in order: subtitle overwrite,
// summary overwrite, speaker rename, then a reparse of edited subtitles. A
// subtitle edit that does not parse is kept as text only and the previous
// segments stay. reparsed reports whether a reparse happened.
func (p Patch) Apply(t *task.Task) (parsed segment.ParseResult, reparsed bool) {
	if nonEmpty(p.CorrectedSubtitles) {
		t.CorrectedFormatted = *p.CorrectedSubtitles
	}
	if nonEmpty(p.Summary) {
		t.Summary = *p.Summary
	}

	if len(p.SpeakerMap) > 0 {
		t.CorrectedFormatted = segment.ReplaceLabels(t.CorrectedFormatted, p.SpeakerMap)
		t.CorrectedText = segment.ReplaceLabels(t.CorrectedText, p.SpeakerMap)
		t.Summary = segment.ReplaceLabels(t.Summary, p.SpeakerMap)
		if len(t.CorrectedSegments) > 0 {
			t.CorrectedSegments = segment.Rename(t.CorrectedSegments, p.SpeakerMap)
		}
	}

	if !nonEmpty(p.CorrectedSubtitles) {
		return segment.ParseResult{}, false
	}
	parsed = segment.Parse(t.CorrectedFormatted)
	if parsed.OK() {
		t.CorrectedSegments = parsed.Segments
		t.CorrectedText = segment.JoinText(parsed.Segments)
	}
	return parsed, true
}

// Update applies p to the task and returns the result. When p asks for a new
// summary, the summariser runs after the edit is stored and its result is
// written in a second update that only applies if the task did not change
// status or attempt in between.
func (s *Service) Update(ctx context.Context, id string, p Patch) (*task.Task, error) {
	log := observe.TaskLogger(ctx, id)

	var (
		parsed   segment.ParseResult
		reparsed bool
	)
	t, err := s.store.Update(ctx, id, func(t *task.Task) error {
		parsed, reparsed = p.Apply(t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service: update %s: %w", id, err)
	}
	if reparsed && !parsed.OK() {
		log.Warn("edited subtitles did not parse, segments unchanged",
			"outcome", parsed.Outcome, "dropped_lines", parsed.Dropped)
	}

	if p.RegenerateSummary && p.APIKey != "" {
		t, err = s.regenerateSummary(ctx, t, p.APIKey)
		if err != nil {
			return nil, err
		}
	}

	log.Info("task edited",
		"subtitles", nonEmpty(p.CorrectedSubtitles),
		"summary", nonEmpty(p.Summary),
		"speakers", len(p.SpeakerMap),
		"regenerate_summary", p.RegenerateSummary && p.APIKey != "")
	s.events.Publish(events.Event{TaskID: id, Status: t.Status, Attempt: t.Attempt, Message: "edited"})
	return t, nil
}

func (s *Service) regenerateSummary(ctx context.Context, t *task.Task, apiKey string) (*task.Task, error) {
	source := pipeline.SummarySource(t)
	if source == "" {
		return t, nil
	}
	if s.summarizer == nil {
		return nil, errors.New("service: no summarizer configured")
	}

	summary, err := s.summarizer.Summarize(ctx, source, apiKey)
	if err != nil {
		observe.TaskLogger(ctx, t.ID).Warn("summary regeneration failed", "err", err)
		summary = pipeline.SummaryError(err)
	}

	updated, err := s.store.Update(ctx, t.ID, task.Guard(t.Status, t.Attempt, func(cur *task.Task) error {
		cur.Summary = summary
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("service: store summary for %s: %w", t.ID, err)
	}
	return updated, nil
}
