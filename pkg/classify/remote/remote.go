// Package remote calls a model server hosting the exported classifier.
//
// The server receives the encoded sequence and answers with raw logits:
//
//	POST {base}/predictions/{model}
//	{"input_ids": [[...]], "attention_mask": [[...]]}
//	-> {"logits": [[...]]}  or  {"logits": [...]}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/endill/pkg/classify/wordpiece"
)

const (
	defaultModel   = "adm"
	defaultTimeout = 30 * time.Second
)

// Model is a classify.Model backed by an HTTP model server.
type Model struct {
	baseURL string
	model   string
	client  *http.Client
}

// Option configures a [Model].
type Option func(*Model)

// WithModelName sets the served model name. Default: "adm".
func WithModelName(name string) Option {
	return func(m *Model) { m.model = name }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(m *Model) { m.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) { m.client = c }
}

// New returns a Model talking to baseURL.
func New(baseURL string, opts ...Option) (*Model, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base URL %q: %w", baseURL, err)
	}
	m := &Model{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   defaultModel,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Version identifies the served model.
func (m *Model) Version() string { return "remote:" + m.model }

type request struct {
	InputIDs      [][]int32 `json:"input_ids"`
	AttentionMask [][]int32 `json:"attention_mask"`
}

type response struct {
	Logits json.RawMessage `json:"logits"`
}

// Logits implements classify.Model.
func (m *Model) Logits(ctx context.Context, enc wordpiece.Encoding) ([]float32, error) {
	body, err := json.Marshal(request{
		InputIDs:      [][]int32{enc.InputIDs},
		AttentionMask: [][]int32{enc.AttentionMask},
	})
	if err != nil {
		return nil, fmt.Errorf("remote: marshal request: %w", err)
	}

	endpoint := m.baseURL + "/predictions/" + url.PathEscape(m.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("remote: decode response: %w", err)
	}
	return parseLogits(r.Logits)
}

// parseLogits accepts both a batch of one and a flat vector.
func parseLogits(raw json.RawMessage) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("remote: response has no logits")
	}
	var batch [][]float32
	if err := json.Unmarshal(raw, &batch); err == nil {
		if len(batch) != 1 {
			return nil, fmt.Errorf("remote: expected one row of logits, got %d", len(batch))
		}
		return batch[0], nil
	}
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("remote: decode logits: %w", err)
	}
	return flat, nil
}

// Close releases idle connections.
func (m *Model) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
