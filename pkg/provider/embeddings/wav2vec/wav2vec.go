// Package wav2vec provides the learned speaker-embedding extractor backed by a
// frozen self-supervised speech encoder (wav2vec 2.0 / HuBERT family) hosted
// behind a small HTTP inference server.
//
// Each frame is resampled to the encoder's input rate, wrapped as a 16-bit WAV
// and POSTed to {baseURL}/embed. The server answers with the encoder's last
// hidden states, a T x D matrix, which this package mean-pools over time into
// a single D-dimensional vector:
//
//	POST /embed?model=facebook/wav2vec2-base-960h
//	Content-Type: audio/wav
//
//	{"model": "...", "hidden_states": [[...], [...]]}
//
// Servers that pool on their side may return {"embedding": [...]} instead.
//
// Example usage:
//
//	e, err := wav2vec.New("http://localhost:8081", "facebook/wav2vec2-base-960h")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vec, err := e.Extract(ctx, frame, 16000)
package wav2vec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
)

const (
	// DefaultBaseURL is the default address of the encoder server.
	DefaultBaseURL = "http://localhost:8081"

	// DefaultModel is the encoder checkpoint used when none is configured.
	DefaultModel = "facebook/wav2vec2-base-960h"

	// DefaultSampleRate is the input rate expected by wav2vec 2.0 checkpoints.
	DefaultSampleRate = 16000

	// silenceFloor is the RMS below which a frame is treated as degenerate.
	silenceFloor = 1e-6
)

// Ensure Extractor implements the embeddings.Extractor interface at compile time.
var _ embeddings.Extractor = (*Extractor)(nil)

// Extractor implements embeddings.Extractor against a remote encoder.
//
// Dimension resolution mirrors the text-embedding clients: an explicit
// WithDimensions value wins, then the known-checkpoint table, then a probe
// request issued once on first use.
//
// Extractor is safe for concurrent use.
type Extractor struct {
	baseURL    string
	model      string
	sampleRate int
	httpClient *http.Client

	// dimensions is written by the first-use probe while Extract may be
	// running on other goroutines.
	dimensions atomic.Int64
	detectOnce sync.Once
	detectErr  error
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	dimensions int
	sampleRate int
	httpClient *http.Client
}

// Option is a functional option for Extractor.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. A zero or negative value means
// no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions pre-sets the hidden size, skipping the probe request.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithSampleRate sets the encoder's input sample rate. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) { c.sampleRate = rate }
}

// WithHTTPClient replaces the HTTP client. Mainly useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs an Extractor. An empty baseURL selects [DefaultBaseURL] and
// an empty model selects [DefaultModel].
func New(baseURL, model string, opts ...Option) (*Extractor, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("wav2vec: invalid base URL %q: %w", baseURL, err)
	}

	cfg := &config{sampleRate: DefaultSampleRate}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, fmt.Errorf("wav2vec: sample rate must be positive, got %d", cfg.sampleRate)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.timeout > 0 {
		hc.Timeout = cfg.timeout
	}

	e := &Extractor{
		baseURL:    baseURL,
		model:      model,
		sampleRate: cfg.sampleRate,
		httpClient: hc,
	}
	dims := cfg.dimensions
	if dims == 0 {
		dims = knownDimensions(model)
	}
	e.dimensions.Store(int64(dims))
	return e, nil
}

// ModelID returns the encoder checkpoint name.
func (e *Extractor) ModelID() string { return e.model }

// Dimensions returns the encoder hidden size. For unknown checkpoints a probe
// request is issued on first call; if it fails, 0 is returned.
func (e *Extractor) Dimensions() int {
	if d := e.dimensions.Load(); d != 0 {
		return int(d)
	}
	e.detectOnce.Do(func() {
		probe := make([]float32, e.sampleRate/2)
		for i := range probe {
			probe[i] = float32(0.1 * math.Sin(2*math.Pi*220*float64(i)/float64(e.sampleRate)))
		}
		vec, err := e.call(context.Background(), &audio.Waveform{Samples: probe, SampleRate: e.sampleRate})
		if err != nil {
			e.detectErr = err
			return
		}
		e.dimensions.CompareAndSwap(0, int64(len(vec)))
	})
	return int(e.dimensions.Load())
}

// Extract returns the time-averaged hidden state for samples.
func (e *Extractor) Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	if len(samples) == 0 || audio.RMS(samples) < silenceFloor {
		return nil, fmt.Errorf("%w: silent frame", embeddings.ErrFeatureExtraction)
	}
	resampled, err := audio.Resample(samples, sampleRate, e.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("wav2vec: %w", err)
	}
	vec, err := e.call(ctx, &audio.Waveform{Samples: resampled, SampleRate: e.sampleRate})
	if err != nil {
		return nil, fmt.Errorf("wav2vec: extract: %w", err)
	}
	if want := int(e.dimensions.Load()); want != 0 && len(vec) != want {
		return nil, fmt.Errorf("wav2vec: extract: got %d dimensions, want %d", len(vec), want)
	}
	return vec, nil
}

// embedResponse is the JSON body returned by the encoder server.
type embedResponse struct {
	Model        string      `json:"model"`
	HiddenStates [][]float32 `json:"hidden_states"`
	Embedding    []float32   `json:"embedding"`
}

// call POSTs one WAV-encoded frame and returns the pooled vector.
func (e *Extractor) call(ctx context.Context, w *audio.Waveform) ([]float32, error) {
	endpoint := e.baseURL + "/embed?" + url.Values{"model": {e.model}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio.EncodeWAV(w)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embedding) > 0 {
		return result.Embedding, nil
	}
	return MeanPool(result.HiddenStates)
}

// MeanPool averages a T x D matrix of hidden states over T.
func MeanPool(states [][]float32) ([]float32, error) {
	if len(states) == 0 || len(states[0]) == 0 {
		return nil, fmt.Errorf("%w: encoder returned no hidden states", embeddings.ErrFeatureExtraction)
	}
	dim := len(states[0])
	sum := make([]float64, dim)
	for t, row := range states {
		if len(row) != dim {
			return nil, fmt.Errorf("hidden state %d has %d dimensions, want %d", t, len(row), dim)
		}
		for i, v := range row {
			sum[i] += float64(v)
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(states)))
	}
	return out, nil
}

// knownDimensions returns the hidden size of recognised checkpoints, or 0.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "large"), strings.Contains(lower, "xlsr"):
		return 1024
	case strings.Contains(lower, "wav2vec2-base"), strings.Contains(lower, "hubert-base"), strings.Contains(lower, "wavlm-base"):
		return 768
	default:
		return 0
	}
}
