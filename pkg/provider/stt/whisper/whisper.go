// Package whisper provides whisper.cpp-backed transcribers.
//
// [Server] talks to a running whisper-server binary (POST /inference) and
// [Native] runs the model in-process through the CGO bindings. Both decode
// the input file to 16 kHz mono PCM with ffmpeg first, so any container
// ffmpeg understands can be submitted.
//
// Usage:
//
//	tr, err := whisper.NewServer("http://localhost:8080", whisper.WithLanguage("zh"))
//	res, err := tr.Transcribe(ctx, "/data/media/3f2a.m4a")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

var _ stt.Transcriber = (*Server)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g. "base", "small"). When empty the server uses whichever model it was
// started with.
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithLanguage sets the language code sent to the whisper.cpp server.
// Defaults to "auto".
func WithLanguage(lang string) Option {
	return func(s *Server) { s.language = lang }
}

// WithTimeout sets the HTTP timeout for one inference request. Defaults to
// 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// WithDecoder replaces the ffmpeg decoder.
func WithDecoder(d Decoder) Option {
	return func(s *Server) { s.decode = d }
}

// Server implements stt.Transcriber backed by a whisper.cpp HTTP server.
type Server struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
	decode     Decoder
}

// NewServer creates a transcriber for the whisper.cpp HTTP server at
// serverURL (e.g. "http://localhost:8080").
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		decode:     FFmpegDecoder(""),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// verboseResponse is the subset of whisper-server's verbose_json output that
// is used here.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe implements stt.Transcriber.
func (s *Server) Transcribe(ctx context.Context, audioPath string) (*stt.Result, error) {
	pcm, err := s.decode(ctx, audioPath, defaultSampleRate)
	if err != nil {
		return nil, err
	}
	wav := encodeWAV(pcm, defaultSampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        s.language,
		"model":           s.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var vr verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	res := &stt.Result{Text: strings.TrimSpace(vr.Text), Language: vr.Language}
	for _, vs := range vr.Segments {
		text := strings.TrimSpace(vs.Text)
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, segment.Segment{Start: vs.Start, End: vs.End, Text: text})
	}
	if res.Language == "" && s.language != defaultLanguage {
		res.Language = s.language
	}
	return res, nil
}
