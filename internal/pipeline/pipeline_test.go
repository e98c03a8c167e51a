package pipeline_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/task"
	diarizemock "github.com/PinQiH/speech-to-text/pkg/provider/diarize/mock"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
	sttmock "github.com/PinQiH/speech-to-text/pkg/provider/stt/mock"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

type correctorFunc func(ctx context.Context, formatted, apiKey string) (string, error)

func (f correctorFunc) Correct(ctx context.Context, formatted, apiKey string) (string, error) {
	return f(ctx, formatted, apiKey)
}

type summarizerFunc func(ctx context.Context, formatted, apiKey string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, formatted, apiKey string) (string, error) {
	return f(ctx, formatted, apiKey)
}

type mediaDir string

func (d mediaDir) Path(ref string) (string, error) { return string(d) + "/" + ref, nil }

// echoCorrector returns its input unchanged, which always parses.
var echoCorrector = correctorFunc(func(_ context.Context, formatted, _ string) (string, error) {
	return formatted, nil
})

var fixedSummary = summarizerFunc(func(context.Context, string, string) (string, error) {
	return "[0.00s -> 4.00s] greeting", nil
})

var twoSegments = &stt.Result{
	Text: "hello there",
	Segments: []segment.Segment{
		{Start: 0, End: 2, Text: "hello"},
		{Start: 2, End: 4, Text: "there"},
	},
}

type fixture struct {
	store       *task.MemStore
	bus         *events.Bus
	transcriber *sttmock.Transcriber
	diarizer    *diarizemock.Diarizer
	corrector   pipeline.Corrector
	summarizer  pipeline.Summarizer
}

func newFixture() *fixture {
	return &fixture{
		store:       task.NewMemStore(),
		bus:         events.NewBus(0),
		transcriber: &sttmock.Transcriber{Result: twoSegments},
		diarizer:    &diarizemock.Diarizer{},
		corrector:   echoCorrector,
		summarizer:  fixedSummary,
	}
}

func (f *fixture) scheduler(t *testing.T) *pipeline.Scheduler {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	s, err := pipeline.New(pipeline.Deps{
		Store:       f.store,
		Audio:       mediaDir("/media"),
		Transcriber: f.transcriber,
		Diarizer:    f.diarizer,
		Corrector:   f.corrector,
		Summarizer:  f.summarizer,
		Events:      f.bus,
		Metrics:     m,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) newTask(t *testing.T, id string) {
	t.Helper()
	err := f.store.Create(context.Background(), &task.Task{
		ID: id, AudioRef: id + ".wav", OwnerID: "u1", Status: task.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) get(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (f *fixture) statuses(id string) []task.Status {
	var out []task.Status
	for _, e := range f.bus.Since(0, id) {
		out = append(out, e.Status)
	}
	return out
}

func TestRunPipeline_HappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.diarizer.Turns = []segment.Turn{
		{Start: 0, End: 2.5, Speaker: "SPEAKER_00"},
		{Start: 2.5, End: 4, Speaker: "SPEAKER_01"},
	}
	var gotKey string
	f.summarizer = summarizerFunc(func(_ context.Context, _, apiKey string) (string, error) {
		gotKey = apiKey
		return "[0.00s -> 4.00s] greeting", nil
	})
	f.newTask(t, "t1")

	err := f.scheduler(t).RunPipeline(context.Background(), "t1",
		pipeline.Credentials{APIKey: "k", HFToken: "hf", NumSpeakers: 2})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	got := f.get(t, "t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	wantRaw := "[0.00s -> 2.00s] [SPEAKER_00] hello\n[2.00s -> 4.00s] [SPEAKER_01] there\n"
	if got.RawFormatted != wantRaw {
		t.Errorf("RawFormatted = %q, want %q", got.RawFormatted, wantRaw)
	}
	if got.RawText != "hello there" {
		t.Errorf("RawText = %q", got.RawText)
	}
	if len(got.Diarization) != 2 {
		t.Errorf("Diarization = %v, want 2 turns", got.Diarization)
	}
	if got.CorrectedFormatted != wantRaw || got.CorrectedText != "hello there" || len(got.CorrectedSegments) != 2 {
		t.Errorf("corrected = %q / %q / %d segments", got.CorrectedFormatted, got.CorrectedText, len(got.CorrectedSegments))
	}
	if got.CorrectedSegments[1].Speaker != "SPEAKER_01" {
		t.Errorf("corrected speaker = %q", got.CorrectedSegments[1].Speaker)
	}
	if gotKey != "k" {
		t.Errorf("summarizer apiKey = %q, want k", gotKey)
	}
	if f.transcriber.Calls[0].AudioPath != "/media/t1.wav" {
		t.Errorf("AudioPath = %q", f.transcriber.Calls[0].AudioPath)
	}
	if opts := f.diarizer.Calls[0].Opts; opts.Token != "hf" || opts.NumSpeakers != 2 {
		t.Errorf("diarize opts = %+v", opts)
	}

	want := []task.Status{
		task.StatusTranscribing, task.StatusTranscribed,
		task.StatusCorrecting, task.StatusCorrected,
		task.StatusSummarizing, task.StatusCompleted,
	}
	if got := f.statuses("t1"); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRunPipeline_Stages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(f *fixture)
		creds      pipeline.Credentials
		check      func(t *testing.T, f *fixture, got *task.Task)
		wantStatus task.Status
	}{
		{
			name: "no token skips diarization",
			check: func(t *testing.T, f *fixture, got *task.Task) {
				if f.diarizer.CallCount() != 0 {
					t.Error("diarizer was called")
				}
				if got.Diarization != nil {
					t.Errorf("Diarization = %v, want nil", got.Diarization)
				}
				if got.RawFormatted != "[0.00s -> 2.00s] hello\n[2.00s -> 4.00s] there\n" {
					t.Errorf("RawFormatted = %q", got.RawFormatted)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name:  "diarization error labels every segment unknown",
			setup: func(f *fixture) { f.diarizer.Err = errors.New("sidecar down") },
			creds: pipeline.Credentials{HFToken: "hf"},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				for _, s := range got.RawSegments {
					if s.Speaker != segment.UnknownSpeaker {
						t.Errorf("speaker = %q, want %q", s.Speaker, segment.UnknownSpeaker)
					}
				}
				if got.Diarization == nil || len(got.Diarization) != 0 {
					t.Errorf("Diarization = %#v, want empty non-nil", got.Diarization)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name: "correction error falls back to raw",
			setup: func(f *fixture) {
				f.corrector = correctorFunc(func(context.Context, string, string) (string, error) {
					return "", errors.New("quota exceeded")
				})
			},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedFormatted != got.RawFormatted {
					t.Errorf("CorrectedFormatted = %q, want raw", got.CorrectedFormatted)
				}
				if len(got.CorrectedSegments) != 0 || got.CorrectedText != "" {
					t.Errorf("corrected segments/text = %v / %q, want empty", got.CorrectedSegments, got.CorrectedText)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name: "unparseable correction falls back to raw",
			setup: func(f *fixture) {
				f.corrector = correctorFunc(func(context.Context, string, string) (string, error) {
					return "Sorry, I cannot help with that.", nil
				})
			},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedFormatted != got.RawFormatted {
					t.Errorf("CorrectedFormatted = %q, want raw", got.CorrectedFormatted)
				}
				if len(got.CorrectedSegments) != 0 {
					t.Errorf("CorrectedSegments = %v, want empty", got.CorrectedSegments)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name: "fenced correction reply is accepted",
			setup: func(f *fixture) {
				f.corrector = correctorFunc(func(context.Context, string, string) (string, error) {
					return "```text\n[0.00s -> 4.00s] hello there!\n```", nil
				})
			},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedText != "hello there!" {
					t.Errorf("CorrectedText = %q", got.CorrectedText)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name: "empty transcript skips correction and summary",
			setup: func(f *fixture) {
				f.transcriber.Result = &stt.Result{}
				f.corrector = correctorFunc(func(context.Context, string, string) (string, error) {
					panic("corrector must not be called")
				})
				f.summarizer = summarizerFunc(func(context.Context, string, string) (string, error) {
					panic("summarizer must not be called")
				})
			},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedFormatted != "" {
					t.Errorf("CorrectedFormatted = %q, want empty", got.CorrectedFormatted)
				}
				if got.Summary != pipeline.NoTranscriptionSummary {
					t.Errorf("Summary = %q", got.Summary)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name: "summary error is stored as text",
			setup: func(f *fixture) {
				f.summarizer = summarizerFunc(func(context.Context, string, string) (string, error) {
					return "", errors.New("model overloaded")
				})
			},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.Summary != "Error generating summary: model overloaded" {
					t.Errorf("Summary = %q", got.Summary)
				}
			},
			wantStatus: task.StatusCompleted,
		},
		{
			name:  "transcription error fails the task",
			setup: func(f *fixture) { f.transcriber.Err = errors.New("ffmpeg: invalid data") },
			check: func(t *testing.T, f *fixture, got *task.Task) {
				if got.RawFormatted != "" {
					t.Errorf("RawFormatted = %q, want empty", got.RawFormatted)
				}
				want := []task.Status{task.StatusTranscribing, task.StatusFailed}
				if st := f.statuses(got.ID); !slices.Equal(st, want) {
					t.Errorf("events = %v, want %v", st, want)
				}
			},
			wantStatus: task.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			f.newTask(t, "t1")

			err := f.scheduler(t).RunPipeline(context.Background(), "t1", tt.creds)
			if tt.wantStatus == task.StatusFailed && err == nil {
				t.Error("RunPipeline returned nil, want error")
			}
			if tt.wantStatus == task.StatusCompleted && err != nil {
				t.Errorf("RunPipeline: %v", err)
			}

			got := f.get(t, "t1")
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			tt.check(t, f, got)
		})
	}
}

func TestRunPipeline_StopsWhenTimedOut(t *testing.T) {
	t.Parallel()

	f := newFixture()
	// The watchdog demotes the task while correction is running.
	f.corrector = correctorFunc(func(ctx context.Context, formatted, _ string) (string, error) {
		_, err := f.store.Update(ctx, "t1", func(t *task.Task) error {
			t.Status = task.StatusTimeout
			return nil
		})
		if err != nil {
			return "", err
		}
		return formatted, nil
	})
	f.newTask(t, "t1")

	err := f.scheduler(t).RunPipeline(context.Background(), "t1", pipeline.Credentials{})
	if !errors.Is(err, task.ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}

	got := f.get(t, "t1")
	if got.Status != task.StatusTimeout {
		t.Errorf("status = %s, want timeout", got.Status)
	}
	if got.CorrectedFormatted != "" {
		t.Errorf("late correction was written: %q", got.CorrectedFormatted)
	}
	if st := f.statuses("t1"); slices.Contains(st, task.StatusFailed) {
		t.Errorf("events %v must not contain failed", st)
	}
}

func TestRunPipeline_StopsWhenRetried(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.summarizer = summarizerFunc(func(ctx context.Context, _, _ string) (string, error) {
		_, err := f.store.Update(ctx, "t1", func(t *task.Task) error {
			t.ResetForRetry()
			return nil
		})
		return "late summary", err
	})
	f.newTask(t, "t1")

	err := f.scheduler(t).RunPipeline(context.Background(), "t1", pipeline.Credentials{})
	if !errors.Is(err, task.ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	got := f.get(t, "t1")
	if got.Status != task.StatusPending || got.Attempt != 2 || got.Summary != "" {
		t.Errorf("task = %s/attempt %d/summary %q, want untouched pending attempt 2", got.Status, got.Attempt, got.Summary)
	}
}

func TestRunPipeline_RequiresPending(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.newTask(t, "t1")
	_, _ = f.store.Update(context.Background(), "t1", func(t *task.Task) error {
		t.Status = task.StatusCompleted
		return nil
	})

	err := f.scheduler(t).RunPipeline(context.Background(), "t1", pipeline.Credentials{})
	if !errors.Is(err, task.ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	if f.transcriber.CallCount() != 0 {
		t.Error("transcriber was called")
	}
	if got := f.get(t, "t1"); got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestRunPipeline_UnknownTask(t *testing.T) {
	t.Parallel()

	f := newFixture()
	err := f.scheduler(t).RunPipeline(context.Background(), "nope", pipeline.Credentials{})
	if !errors.Is(err, task.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestScheduler_Concurrency checks that transcription never overlaps while
// correction of different tasks does.
func TestScheduler_Concurrency(t *testing.T) {
	t.Parallel()

	const tasks = 3
	f := newFixture()

	var active, peak atomic.Int32
	f.transcriber.TranscribeFunc = func(context.Context, string) (*stt.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return twoSegments, nil
	}

	var arrived sync.WaitGroup
	arrived.Add(tasks)
	allCorrecting := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allCorrecting)
	}()
	f.corrector = correctorFunc(func(_ context.Context, formatted, _ string) (string, error) {
		arrived.Done()
		select {
		case <-allCorrecting:
			return formatted, nil
		case <-time.After(5 * time.Second):
			return "", errors.New("corrections never overlapped")
		}
	})

	s := f.scheduler(t)
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		f.newTask(t, id)
		s.Dispatch(context.Background(), id, pipeline.Credentials{})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent transcriptions = %d, want 1", p)
	}
	for _, id := range ids {
		got := f.get(t, id)
		if got.Status != task.StatusCompleted {
			t.Errorf("%s: status = %s, want completed", id, got.Status)
		}
		// A fallback would leave CorrectedSegments empty.
		if len(got.CorrectedSegments) != 2 {
			t.Errorf("%s: correction did not overlap with the others", id)
		}
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Deps{})
	if err == nil {
		t.Fatal("New with no deps returned nil error")
	}
	for _, want := range []string{"store", "audio", "transcriber", "corrector", "summarizer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSummarySource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		task task.Task
		want string
	}{
		{"corrected preferred", task.Task{CorrectedFormatted: "c", RawFormatted: "r"}, "c"},
		{"raw fallback", task.Task{RawFormatted: "r"}, "r"},
		{"nothing", task.Task{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := pipeline.SummarySource(&tt.task); got != tt.want {
				t.Errorf("SummarySource = %q, want %q", got, tt.want)
			}
		})
	}
}
