package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/internal/task/postgres"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// testStore opens a store against SPEECH_TEST_POSTGRES_DSN with a clean table,
// or skips the test when the variable is unset.
func testStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("SPEECH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPEECH_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.List(ctx, task.ListQuery{IncludeOthers: true}); err != nil {
		t.Fatalf("List: %v", err)
	}
	return s
}

func TestIntegration_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	tk := &task.Task{ID: id, AudioRef: "x.wav", OwnerID: "it", Status: task.StatusPending}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, tk); !errors.Is(err, task.ErrAlreadyExists) {
		t.Errorf("duplicate Create err = %v, want ErrAlreadyExists", err)
	}

	got, err := s.Update(ctx, id, task.Guard(task.StatusPending, 1, func(tk *task.Task) error {
		tk.Status = task.StatusTranscribing
		tk.RawSegments = []segment.Segment{{Start: 0, End: 1, Text: "hi"}}
		return nil
	}))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}

	again, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Status != task.StatusTranscribing || len(again.RawSegments) != 1 || again.Diarization != nil {
		t.Errorf("Get() = %+v", again)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
