// Package deepgram provides a Deepgram-backed transcriber and diarizer using
// the pre-recorded /v1/listen REST API.
//
// One [Client] satisfies both stt.Transcriber and diarize.Diarizer. As a
// diarizer it requests diarize=true and converts the returned utterances
// into speaker turns labelled SPEAKER_00, SPEAKER_01, ... so they read the
// same as pyannote output.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
)

var (
	_ stt.Transcriber  = (*Client)(nil)
	_ diarize.Diarizer = (*Client)(nil)
)

// Option is a functional option for configuring the Deepgram Client.
type Option func(*Client)

// WithModel sets the Deepgram model to use (e.g. "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLanguage sets the language code for recognition (e.g. "zh-TW", "en").
// Empty enables Deepgram's language detection.
func WithLanguage(language string) Option {
	return func(c *Client) { c.language = language }
}

// WithEndpoint overrides the API endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithTimeout sets the HTTP timeout for one request. Defaults to 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client calls the Deepgram pre-recorded API.
type Client struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Client. apiKey is used when a diarization
// request carries no token of its own; it must be non-empty for
// transcription.
func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   deepgramEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// listenResponse is the subset of the /v1/listen response used here.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Transcript string  `json:"transcript"`
			Speaker    *int    `json:"speaker"`
		} `json:"utterances"`
	} `json:"results"`
}

// Transcribe implements stt.Transcriber.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*stt.Result, error) {
	if c.apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	resp, err := c.listen(ctx, audioPath, c.apiKey, false)
	if err != nil {
		return nil, err
	}

	res := &stt.Result{Language: c.language}
	if len(resp.Results.Channels) > 0 {
		ch := resp.Results.Channels[0]
		if ch.DetectedLanguage != "" {
			res.Language = ch.DetectedLanguage
		}
		if len(ch.Alternatives) > 0 {
			res.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
		}
	}
	for _, u := range resp.Results.Utterances {
		text := strings.TrimSpace(u.Transcript)
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, segment.Segment{Start: u.Start, End: u.End, Text: text})
	}
	return res, nil
}

// Diarize implements diarize.Diarizer. Deepgram has no speaker-count
// parameter, so opts.NumSpeakers is ignored.
func (c *Client) Diarize(ctx context.Context, audioPath string, opts diarize.Options) ([]segment.Turn, error) {
	token := opts.Token
	if token == "" {
		token = c.apiKey
	}
	if token == "" {
		return nil, diarize.ErrNoToken
	}
	resp, err := c.listen(ctx, audioPath, token, true)
	if err != nil {
		return nil, err
	}

	turns := make([]segment.Turn, 0, len(resp.Results.Utterances))
	for _, u := range resp.Results.Utterances {
		if u.Speaker == nil {
			continue
		}
		turns = append(turns, segment.Turn{Start: u.Start, End: u.End, Speaker: speakerLabel(*u.Speaker)})
	}
	return turns, nil
}

func (c *Client) listen(ctx context.Context, audioPath, token string, diarizeOn bool) (*listenResponse, error) {
	reqURL, err := c.buildURL(diarizeOn)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("deepgram: open audio: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, f)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)
	ct := mime.TypeByExtension(filepath.Ext(audioPath))
	if ct == "" {
		ct = "application/octet-stream"
	}
	req.Header.Set("Content-Type", ct)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("deepgram: parse JSON response: %w", err)
	}
	return &out, nil
}

func (c *Client) buildURL(diarizeOn bool) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", c.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("utterances", "true")
	if c.language != "" {
		q.Set("language", c.language)
	} else {
		q.Set("detect_language", "true")
	}
	if diarizeOn {
		q.Set("diarize", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func speakerLabel(n int) string {
	return fmt.Sprintf("SPEAKER_%02d", n)
}
