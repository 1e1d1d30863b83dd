package diarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/diarize/cluster"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
)

// EmbeddingStrategy diarizes by windowing the recording, embedding each
// window, and clustering the embeddings. It backs both the spectral and the
// learned strategy; only the extractor differs.
type EmbeddingStrategy struct {
	name         string
	extractor    embeddings.Extractor
	frameSeconds float64
	linkage      cluster.Linkage
	merge        bool
	concurrency  int
}

var _ Strategy = (*EmbeddingStrategy)(nil)

// EmbeddingOption configures an [EmbeddingStrategy].
type EmbeddingOption func(*EmbeddingStrategy)

// WithFrameSeconds sets the analysis window length. Default:
// [audio.DefaultFrameSeconds].
func WithFrameSeconds(s float64) EmbeddingOption {
	return func(e *EmbeddingStrategy) { e.frameSeconds = s }
}

// WithLinkage sets the clustering linkage. Default: [cluster.Ward].
func WithLinkage(l cluster.Linkage) EmbeddingOption {
	return func(e *EmbeddingStrategy) { e.linkage = l }
}

// WithMergeAdjacent enables coalescing of consecutive same-speaker windows.
func WithMergeAdjacent(on bool) EmbeddingOption {
	return func(e *EmbeddingStrategy) { e.merge = on }
}

// WithConcurrency bounds the number of frames embedded in parallel.
// Default: [runtime.GOMAXPROCS].
func WithConcurrency(n int) EmbeddingOption {
	return func(e *EmbeddingStrategy) { e.concurrency = n }
}

// NewEmbeddingStrategy returns a strategy named name that embeds windows with
// ex.
func NewEmbeddingStrategy(name string, ex embeddings.Extractor, opts ...EmbeddingOption) (*EmbeddingStrategy, error) {
	if ex == nil {
		return nil, fmt.Errorf("diarize: %s strategy needs an extractor", name)
	}
	e := &EmbeddingStrategy{
		name:         name,
		extractor:    ex,
		frameSeconds: audio.DefaultFrameSeconds,
		linkage:      cluster.Ward,
		concurrency:  runtime.GOMAXPROCS(0),
	}
	for _, o := range opts {
		o(e)
	}
	if err := audio.ValidateFrameSeconds(e.frameSeconds); err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	e.concurrency = max(e.concurrency, 1)
	return e, nil
}

// Name returns the strategy name given at construction.
func (e *EmbeddingStrategy) Name() string { return e.name }

// Diarize implements [Strategy].
//
// Windows whose features cannot be extracted are represented by a zero
// vector so that every window still receives a label. If no window is long
// enough to analyse, the extractor fails, or clustering fails, the whole
// recording is returned as one [Unknown] segment. Only cancellation is
// reported as an error.
func (e *EmbeddingStrategy) Diarize(ctx context.Context, in Input) ([]Segment, error) {
	w := in.Waveform
	duration := w.Duration()

	frames, err := audio.CollectFrames(w, e.frameSeconds)
	if err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	if len(frames) == 0 {
		slog.Debug("no analysable frames, using fallback segment", "duration", duration)
		return Fallback(duration), nil
	}

	vecs, err := e.embed(ctx, w, frames)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		slog.Warn("embedding failed, using fallback segment", "strategy", e.name, "err", err)
		return Fallback(duration), nil
	}

	k := in.Speakers
	if k < 1 {
		k = cluster.DefaultClusters
	}
	labels, err := cluster.Agglomerative(vecs, k, e.linkage)
	if err != nil {
		slog.Warn("clustering failed, using fallback segment", "strategy", e.name, "err", err)
		return Fallback(duration), nil
	}

	segs := Assemble(frames, labels)
	if e.merge {
		segs = MergeAdjacent(segs)
	}
	return segs, nil
}

// embed extracts one vector per frame, in frame order.
func (e *EmbeddingStrategy) embed(ctx context.Context, w *audio.Waveform, frames []audio.Frame) ([][]float32, error) {
	vecs := make([][]float32, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, f := range frames {
		g.Go(func() error {
			vec, err := e.extractor.Extract(gctx, w.Slice(f), w.SampleRate)
			switch {
			case errors.Is(err, embeddings.ErrFeatureExtraction):
				slog.Debug("degenerate frame, substituting zero vector", "frame", f.Index, "err", err)
				vec = embeddings.Zero(e.extractor)
			case err != nil:
				return fmt.Errorf("diarize: embed frame %d: %w", f.Index, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}
