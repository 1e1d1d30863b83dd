// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (hosted Whisper and compatible servers).
//
// The recording is uploaded as a 16-bit WAV with response_format=verbose_json
// and segment-level timestamp granularity, so the reply carries timed
// segments rather than a single blob of text.
//
// Example usage:
//
//	p, err := openai.New(os.Getenv("OPENAI_API_KEY"), "whisper-1",
//	    openai.WithLanguage("en"),
//	)
//	segments, err := p.Transcribe(ctx, waveform)
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "whisper-1"

// Ensure Provider implements the stt.Provider interface at compile time.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI audio API.
// It is safe for concurrent use.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration collected from functional options.
type config struct {
	baseURL      string
	organization string
	language     string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL, e.g. for a self-hosted
// OpenAI-compatible transcription server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organisation header.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithLanguage sets the ISO-639-1 language hint. Empty means auto-detect.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client. Mainly useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Provider. If model is empty, [DefaultModel] is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// wavFile is the multipart file part. The SDK's form encoder picks up the
// file name and content type through these methods.
type wavFile struct {
	*bytes.Reader
}

func (wavFile) Filename() string    { return "audio.wav" }
func (wavFile) ContentType() string { return "audio/wav" }

// verboseTranscription mirrors the verbose_json payload.
type verboseTranscription struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads w and returns the timed segments.
func (p *Provider) Transcribe(ctx context.Context, w *audio.Waveform) ([]stt.Segment, error) {
	params := oai.AudioTranscriptionNewParams{
		File:                   wavFile{bytes.NewReader(audio.EncodeWAV(w))},
		Model:                  oai.AudioModel(p.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
		Temperature:            oai.Float(0),
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	var verbose verboseTranscription
	if raw := res.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &verbose); err != nil {
			return nil, fmt.Errorf("openai stt: decode verbose response: %w", err)
		}
	}

	segs := make([]stt.Segment, 0, len(verbose.Segments))
	for _, s := range verbose.Segments {
		segs = append(segs, stt.Segment{Text: s.Text, Start: s.Start, End: s.End})
	}
	if len(segs) == 0 && strings.TrimSpace(res.Text) != "" {
		segs = append(segs, stt.Segment{Text: res.Text, Start: 0, End: w.Duration()})
	}
	return stt.Normalize(segs), nil
}
