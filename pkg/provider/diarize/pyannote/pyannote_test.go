package pyannote_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/provider/diarize/pyannote"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

type seenRequest struct {
	auth        string
	model       string
	numSpeakers string
	fileBody    string
}

func writeAudio(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "meeting.wav")
	if err := os.WriteFile(p, []byte("RIFF-fake-audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newSidecar(t *testing.T, seen chan<- seenRequest, turns []segment.Turn) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/diarize" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(f)
		seen <- seenRequest{
			auth:        r.Header.Get("Authorization"),
			model:       r.FormValue("model"),
			numSpeakers: r.FormValue("num_speakers"),
			fileBody:    string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"turns": turns})
	}))
}

func TestClient_Diarize(t *testing.T) {
	t.Parallel()

	turns := []segment.Turn{
		{Start: 0, End: 2.5, Speaker: "SPEAKER_00"},
		{Start: 2.5, End: 4, Speaker: "SPEAKER_01"},
	}
	seen := make(chan seenRequest, 1)
	srv := newSidecar(t, seen, turns)
	defer srv.Close()

	c, err := pyannote.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.Diarize(context.Background(), writeAudio(t), diarize.Options{Token: "hf_abc", NumSpeakers: 2})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if !reflect.DeepEqual(got, turns) {
		t.Errorf("turns = %+v, want %+v", got, turns)
	}

	req := <-seen
	if req.auth != "Bearer hf_abc" {
		t.Errorf("auth = %q", req.auth)
	}
	if req.model != pyannote.DefaultModel {
		t.Errorf("model = %q", req.model)
	}
	if req.numSpeakers != "2" {
		t.Errorf("num_speakers = %q", req.numSpeakers)
	}
	if req.fileBody != "RIFF-fake-audio" {
		t.Errorf("file body = %q", req.fileBody)
	}
}

func TestClient_DefaultToken(t *testing.T) {
	t.Parallel()

	seen := make(chan seenRequest, 1)
	srv := newSidecar(t, seen, nil)
	defer srv.Close()

	c, _ := pyannote.New(srv.URL, pyannote.WithToken("cfg-token"), pyannote.WithModel("custom/model"))
	if _, err := c.Diarize(context.Background(), writeAudio(t), diarize.Options{}); err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	req := <-seen
	if req.auth != "Bearer cfg-token" || req.model != "custom/model" || req.numSpeakers != "" {
		t.Errorf("request = %+v", req)
	}
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no token", func(t *testing.T) {
		c, _ := pyannote.New("http://127.0.0.1:1")
		if _, err := c.Diarize(context.Background(), "x.wav", diarize.Options{}); !errors.Is(err, diarize.ErrNoToken) {
			t.Errorf("err = %v, want ErrNoToken", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		c, _ := pyannote.New("http://127.0.0.1:1")
		if _, err := c.Diarize(context.Background(), "/nonexistent.wav", diarize.Options{Token: "t"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, "gated model", http.StatusForbidden)
		}))
		defer srv.Close()
		c, _ := pyannote.New(srv.URL)
		if _, err := c.Diarize(context.Background(), writeAudio(t), diarize.Options{Token: "t"}); err == nil {
			t.Error("expected error for HTTP 403")
		}
	})

	t.Run("empty url", func(t *testing.T) {
		if _, err := pyannote.New(""); err == nil {
			t.Error("expected error")
		}
	})
}
