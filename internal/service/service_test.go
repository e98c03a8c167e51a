package service_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/PinQiH/speech-to-text/internal/audiostore"
	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/service"
	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/internal/watchdog"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

type dispatch struct {
	taskID string
	creds  pipeline.Credentials
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatch
}

func (d *recordingDispatcher) Dispatch(_ context.Context, taskID string, creds pipeline.Credentials) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatch{taskID, creds})
}

type summarizerFunc func(ctx context.Context, formatted, apiKey string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, formatted, apiKey string) (string, error) {
	return f(ctx, formatted, apiKey)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc        *service.Service
	store      *task.MemStore
	audio      *audiostore.FileStore
	dispatcher *recordingDispatcher
	bus        *events.Bus
	clk        *clock
	summaries  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := &clock{now: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	audio, err := audiostore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:      task.NewMemStore(task.WithClock(clk.Now)),
		audio:      audio,
		dispatcher: &recordingDispatcher{},
		bus:        events.NewBus(0),
		clk:        clk,
	}
	f.svc = service.New(service.Deps{
		Store:      f.store,
		Audio:      audio,
		Dispatcher: f.dispatcher,
		Watchdog:   watchdog.New(f.store, watchdog.WithClock(clk.Now), watchdog.WithMetrics(m)),
		Summarizer: summarizerFunc(func(_ context.Context, formatted, apiKey string) (string, error) {
			f.summaries = append(f.summaries, formatted)
			if apiKey == "bad" {
				return "", errors.New("invalid key")
			}
			return "summary by " + apiKey, nil
		}),
		Events:  f.bus,
		Metrics: m,
	})
	return f
}

func (f *fixture) seed(t *testing.T, tk *task.Task) {
	t.Helper()
	if tk.Status == "" {
		tk.Status = task.StatusCompleted
	}
	if err := f.store.Create(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	creds := pipeline.Credentials{APIKey: "k", HFToken: "hf", NumSpeakers: 3}

	id, err := f.svc.Submit(context.Background(), service.Upload{
		Filename: "Meeting.MP3",
		Body:     strings.NewReader("ID3 audio bytes"),
		OwnerID:  "u1",
		Username: "alice",
	}, creds)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending || got.Attempt != 1 {
		t.Errorf("task = %s/attempt %d, want pending/1", got.Status, got.Attempt)
	}
	if got.Filename != "Meeting.MP3" || got.OwnerID != "u1" || got.Username != "alice" {
		t.Errorf("task metadata = %+v", got)
	}
	if filepath.Ext(got.AudioRef) != ".mp3" {
		t.Errorf("AudioRef = %q, want .mp3 extension", got.AudioRef)
	}
	path, _ := f.audio.Path(got.AudioRef)
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "ID3 audio bytes" {
		t.Errorf("stored audio = %q, %v", data, err)
	}

	if len(f.dispatcher.calls) != 1 || f.dispatcher.calls[0] != (dispatch{id, creds}) {
		t.Errorf("dispatches = %+v", f.dispatcher.calls)
	}
	if evs := f.bus.Since(0, id); len(evs) != 1 || evs[0].Status != task.StatusPending {
		t.Errorf("events = %+v", evs)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		up   service.Upload
	}{
		{"empty body", service.Upload{Filename: "a.wav", Body: strings.NewReader(""), OwnerID: "u1"}},
		{"nil body", service.Upload{Filename: "a.wav", OwnerID: "u1"}},
		{"no owner", service.Upload{Filename: "a.wav", Body: strings.NewReader("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), tt.up, pipeline.Credentials{})
			if !errors.Is(err, service.ErrInvalidUpload) {
				t.Errorf("err = %v, want ErrInvalidUpload", err)
			}
			if f.store.Len() != 0 || len(f.dispatcher.calls) != 0 {
				t.Error("invalid upload created a task or dispatched a run")
			}
		})
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSubmit_ReadError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(),
		service.Upload{Filename: "a.wav", Body: brokenReader{}, OwnerID: "u1"}, pipeline.Credentials{})
	if err == nil || errors.Is(err, service.ErrInvalidUpload) {
		t.Errorf("err = %v, want a read error", err)
	}
}

type createFailsStore struct{ *task.MemStore }

func (createFailsStore) Create(context.Context, *task.Task) error { return errors.New("disk full") }

func TestSubmit_CreateFailureRemovesAudio(t *testing.T) {
	t.Parallel()

	audio, err := audiostore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := &recordingDispatcher{}
	svc := service.New(service.Deps{
		Store:      createFailsStore{task.NewMemStore()},
		Audio:      audio,
		Dispatcher: d,
	})

	_, err = svc.Submit(context.Background(),
		service.Upload{Filename: "a.wav", Body: strings.NewReader("RIFF"), OwnerID: "u1"}, pipeline.Credentials{})
	if err == nil {
		t.Fatal("expected error")
	}
	entries, err := os.ReadDir(audio.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("audio dir has %d entries, want 0", len(entries))
	}
	if len(d.calls) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, &task.Task{ID: "t1", OwnerID: "u1", Status: task.StatusFailed, RawFormatted: "x", Summary: "s"})

	creds := pipeline.Credentials{APIKey: "fresh"}
	if err := f.svc.Retry(context.Background(), "t1", creds); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	got, _ := f.store.Get(context.Background(), "t1")
	if got.Status != task.StatusPending || got.Attempt != 2 {
		t.Errorf("task = %s/attempt %d, want pending/2", got.Status, got.Attempt)
	}
	if got.RawFormatted != "" || got.Summary != "" {
		t.Error("retry kept derived artifacts")
	}
	if len(f.dispatcher.calls) != 1 || f.dispatcher.calls[0].creds != creds {
		t.Errorf("dispatches = %+v", f.dispatcher.calls)
	}

	if err := f.svc.Retry(context.Background(), "missing", creds); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Retry(missing) err = %v, want ErrNotFound", err)
	}
}

func TestGet_AppliesStallCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, &task.Task{ID: "t1", OwnerID: "u1", Status: task.StatusTranscribing})
	f.clk.Advance(11 * time.Minute)

	got, err := f.svc.Get(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusTimeout {
		t.Errorf("status = %s, want timeout", got.Status)
	}
	if _, err := f.svc.Get(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Get(nope) err = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, &task.Task{ID: "old", OwnerID: "u1", Status: task.StatusCorrecting})
	f.clk.Advance(15 * time.Minute)
	f.seed(t, &task.Task{ID: "mine", OwnerID: "u1"})
	f.clk.Advance(time.Second)
	f.seed(t, &task.Task{ID: "theirs", OwnerID: "u2"})

	got, err := f.svc.List(context.Background(), task.ListQuery{OwnerID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "mine" || got[1].ID != "old" {
		t.Fatalf("List = %v, want [mine old]", ids(got))
	}
	if got[1].Status != task.StatusTimeout {
		t.Errorf("old status = %s, want timeout", got[1].Status)
	}

	all, _ := f.svc.List(context.Background(), task.ListQuery{OwnerID: "u1", IncludeOthers: true})
	if len(all) != 3 {
		t.Errorf("admin list = %v, want 3 tasks", ids(all))
	}
}

func ids(ts []*task.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func strp(s string) *string { return &s }

func TestUpdate(t *testing.T) {
	t.Parallel()

	const corrected = "[0.00s -> 2.00s] [SPEAKER_00] hi\n[2.00s -> 4.00s] [SPEAKER_01] yo\n"
	base := func() *task.Task {
		return &task.Task{
			ID:                 "t1",
			OwnerID:            "u1",
			RawFormatted:       "[0.00s -> 4.00s] raw\n",
			CorrectedFormatted: corrected,
			CorrectedText:      "hi yo",
			CorrectedSegments: []segment.Segment{
				{Start: 0, End: 2, Text: "hi", Speaker: "SPEAKER_00"},
				{Start: 2, End: 4, Text: "yo", Speaker: "SPEAKER_01"},
			},
			Summary: "SPEAKER_00 greets SPEAKER_01",
		}
	}

	tests := []struct {
		name  string
		patch service.Patch
		check func(t *testing.T, f *fixture, got *task.Task)
	}{
		{
			name:  "speaker rename",
			patch: service.Patch{SpeakerMap: map[string]string{"SPEAKER_00": "Alice", "SPEAKER_01": "Bob"}},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				want := "[0.00s -> 2.00s] [Alice] hi\n[2.00s -> 4.00s] [Bob] yo\n"
				if got.CorrectedFormatted != want {
					t.Errorf("CorrectedFormatted = %q, want %q", got.CorrectedFormatted, want)
				}
				if got.Summary != "Alice greets Bob" {
					t.Errorf("Summary = %q", got.Summary)
				}
				if got.CorrectedSegments[0].Speaker != "Alice" || got.CorrectedSegments[1].Speaker != "Bob" {
					t.Errorf("segment speakers = %q, %q", got.CorrectedSegments[0].Speaker, got.CorrectedSegments[1].Speaker)
				}
			},
		},
		{
			name:  "subtitle edit reparses",
			patch: service.Patch{CorrectedSubtitles: strp("[0.00s -> 4.00s] [SPEAKER_00] hello world\n")},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedText != "hello world" || len(got.CorrectedSegments) != 1 {
					t.Errorf("corrected = %q / %d segments", got.CorrectedText, len(got.CorrectedSegments))
				}
			},
		},
		{
			name:  "subtitle edit and rename together",
			patch: service.Patch{
				CorrectedSubtitles: strp("[0.00s -> 4.00s] [SPEAKER_00] hello\n"),
				SpeakerMap:         map[string]string{"SPEAKER_00": "Alice"},
			},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedFormatted != "[0.00s -> 4.00s] [Alice] hello\n" {
					t.Errorf("CorrectedFormatted = %q", got.CorrectedFormatted)
				}
				if len(got.CorrectedSegments) != 1 || got.CorrectedSegments[0].Speaker != "Alice" {
					t.Errorf("CorrectedSegments = %+v", got.CorrectedSegments)
				}
			},
		},
		{
			name:  "unparseable edit keeps segments",
			patch: service.Patch{CorrectedSubtitles: strp("free text without timestamps")},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedFormatted != "free text without timestamps" {
					t.Errorf("CorrectedFormatted = %q", got.CorrectedFormatted)
				}
				if got.CorrectedText != "hi yo" || len(got.CorrectedSegments) != 2 {
					t.Errorf("structured fields changed: %q / %d", got.CorrectedText, len(got.CorrectedSegments))
				}
			},
		},
		{
			name:  "empty fields are ignored",
			patch: service.Patch{CorrectedSubtitles: strp(""), Summary: strp("")},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.CorrectedFormatted != corrected || got.Summary != "SPEAKER_00 greets SPEAKER_01" {
					t.Error("empty patch fields overwrote the task")
				}
			},
		},
		{
			name:  "summary overwrite then rename",
			patch: service.Patch{Summary: strp("SPEAKER_01 leaves"), SpeakerMap: map[string]string{"SPEAKER_01": "Bob"}},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.Summary != "Bob leaves" {
					t.Errorf("Summary = %q", got.Summary)
				}
			},
		},
		{
			name:  "regenerate summary from corrected text",
			patch: service.Patch{RegenerateSummary: true, APIKey: "k2"},
			check: func(t *testing.T, f *fixture, got *task.Task) {
				if got.Summary != "summary by k2" {
					t.Errorf("Summary = %q", got.Summary)
				}
				if len(f.summaries) != 1 || f.summaries[0] != corrected {
					t.Errorf("summariser input = %q", f.summaries)
				}
			},
		},
		{
			name:  "regenerate without key is ignored",
			patch: service.Patch{RegenerateSummary: true},
			check: func(t *testing.T, f *fixture, got *task.Task) {
				if len(f.summaries) != 0 {
					t.Error("summariser called without a key")
				}
			},
		},
		{
			name:  "regenerate failure is stored as text",
			patch: service.Patch{RegenerateSummary: true, APIKey: "bad"},
			check: func(t *testing.T, _ *fixture, got *task.Task) {
				if got.Summary != "Error generating summary: invalid key" {
					t.Errorf("Summary = %q", got.Summary)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.seed(t, base())

			got, err := f.svc.Update(context.Background(), "t1", tt.patch)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			stored, _ := f.store.Get(context.Background(), "t1")
			if stored.CorrectedFormatted != got.CorrectedFormatted || stored.Summary != got.Summary {
				t.Error("returned task differs from stored task")
			}
			tt.check(t, f, got)
		})
	}
}

func TestUpdate_RegenerateUsesRawWhenUncorrected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, &task.Task{ID: "t1", OwnerID: "u1", RawFormatted: "[0.00s -> 1.00s] raw\n"})

	if _, err := f.svc.Update(context.Background(), "t1", service.Patch{RegenerateSummary: true, APIKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if len(f.summaries) != 1 || f.summaries[0] != "[0.00s -> 1.00s] raw\n" {
		t.Errorf("summariser input = %q", f.summaries)
	}
}

func TestUpdate_RegenerateSkipsEmptySource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, &task.Task{ID: "t1", OwnerID: "u1", Summary: "keep"})

	got, err := f.svc.Update(context.Background(), "t1", service.Patch{RegenerateSummary: true, APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "keep" || len(f.summaries) != 0 {
		t.Errorf("Summary = %q, summariser calls = %d", got.Summary, len(f.summaries))
	}
}

func TestUpdate_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.Update(context.Background(), "nope", service.Patch{}); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPatch_RenameIsIdempotent(t *testing.T) {
	t.Parallel()

	mapping := map[string]string{"SPEAKER_00": "Alice"}
	tk := &task.Task{
		CorrectedFormatted: "[0.00s -> 1.00s] [SPEAKER_00] hi\n",
		CorrectedSegments:  []segment.Segment{{End: 1, Text: "hi", Speaker: "SPEAKER_00"}},
	}
	p := service.Patch{SpeakerMap: mapping}
	p.Apply(tk)
	once := tk.Clone()
	p.Apply(tk)

	if tk.CorrectedFormatted != once.CorrectedFormatted || tk.CorrectedSegments[0].Speaker != once.CorrectedSegments[0].Speaker {
		t.Errorf("second rename changed the task: %q vs %q", tk.CorrectedFormatted, once.CorrectedFormatted)
	}
}
