package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

const (
	bitsPerSample     = 16
	defaultSampleRate = 16000
	defaultLanguage   = "auto"
)

// Decoder turns an audio file into 16-bit signed little-endian mono PCM at
// the given sample rate.
type Decoder func(ctx context.Context, path string, sampleRate int) ([]byte, error)

// FFmpegDecoder returns a Decoder that shells out to ffmpeg. bin is the
// executable name or path; empty means "ffmpeg" from PATH.
func FFmpegDecoder(bin string) Decoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return func(ctx context.Context, path string, sampleRate int) ([]byte, error) {
		cmd := exec.CommandContext(ctx, bin,
			"-nostdin", "-hide_banner", "-loglevel", "error",
			"-i", path,
			"-ar", strconv.Itoa(sampleRate),
			"-ac", "1",
			"-f", "s16le",
			"-",
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := bytes.TrimSpace(stderr.Bytes())
			if len(msg) > 0 {
				return nil, fmt.Errorf("whisper: ffmpeg decode %q: %w: %s", path, err, msg)
			}
			return nil, fmt.Errorf("whisper: ffmpeg decode %q: %w", path, err)
		}
		if stdout.Len() == 0 {
			return nil, errors.New("whisper: ffmpeg produced no audio")
		}
		return stdout.Bytes(), nil
	}
}
