package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/PinQiH/speech-to-text/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// If WHISPER_MODEL_PATH is unset the test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNative_SilenceYieldsNoError(t *testing.T) {
	modelPath := testModelPath(t)

	// Two seconds of silence at 16 kHz.
	silence := func(context.Context, string, int) ([]byte, error) {
		return make([]byte, 2*16000*2), nil
	}
	n, err := whisper.NewNative(modelPath,
		whisper.WithNativeLanguage("en"),
		whisper.WithNativeDecoder(silence),
	)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	res, err := n.Transcribe(context.Background(), "ignored.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	for _, s := range res.Segments {
		if s.Start > s.End {
			t.Errorf("segment start %f after end %f", s.Start, s.End)
		}
	}
}

func TestNative_DecodeErrorPropagates(t *testing.T) {
	modelPath := testModelPath(t)

	n, err := whisper.NewNative(modelPath, whisper.WithNativeDecoder(
		func(context.Context, string, int) ([]byte, error) { return nil, os.ErrNotExist },
	))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	if _, err := n.Transcribe(context.Background(), "missing.mp3"); err == nil {
		t.Fatal("expected decode error")
	}
}
