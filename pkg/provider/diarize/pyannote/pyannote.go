// Package pyannote provides a diarize.Diarizer backed by a pyannote.audio
// serving sidecar.
//
// The sidecar is a small HTTP service wrapping pyannote's
// speaker-diarization pipeline. It accepts POST /diarize as multipart form
// data (fields: file, model, num_speakers) and answers with
//
//	{"turns": [{"start": 0.5, "end": 3.2, "speaker": "SPEAKER_00"}, ...]}
//
// The caller's Hugging Face token is forwarded as a bearer token so the
// sidecar can fetch gated models on the caller's behalf.
package pyannote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// DefaultModel is the pyannote pipeline requested when none is configured.
const DefaultModel = "pyannote/speaker-diarization-3.1"

var _ diarize.Diarizer = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the pyannote pipeline name forwarded to the sidecar.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithToken sets the token used when a request carries none.
func WithToken(token string) Option {
	return func(c *Client) { c.defaultToken = token }
}

// WithTimeout sets the HTTP timeout for one diarization request. Defaults to
// 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client implements diarize.Diarizer against a pyannote sidecar.
type Client struct {
	baseURL      string
	model        string
	defaultToken string
	httpClient   *http.Client
}

// New creates a Client for the sidecar at baseURL (e.g. "http://localhost:8001").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("pyannote: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type response struct {
	Turns []segment.Turn `json:"turns"`
}

// Diarize implements diarize.Diarizer. The audio file is streamed to the
// sidecar without being buffered in memory.
func (c *Client) Diarize(ctx context.Context, audioPath string, opts diarize.Options) ([]segment.Turn, error) {
	token := opts.Token
	if token == "" {
		token = c.defaultToken
	}
	if token == "" {
		return nil, diarize.ErrNoToken
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("pyannote: open audio: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, filepath.Base(audioPath), c.model, opts.NumSpeakers))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/diarize", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("pyannote: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("pyannote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pyannote: sidecar returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pyannote: parse JSON response: %w", err)
	}
	return out.Turns, nil
}

func writeForm(mw *multipart.Writer, audio io.Reader, filename, model string, numSpeakers int) error {
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return err
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return err
		}
	}
	if numSpeakers > 0 {
		if err := mw.WriteField("num_speakers", strconv.Itoa(numSpeakers)); err != nil {
			return err
		}
	}
	return mw.Close()
}
