// Package pipeline composes the analysis stages of Endill into a single
// request/response cycle:
//
//	normalize → (transcribe ∥ diarize) → align → classify
//
// Transcription and diarization read the same immutable waveform and run
// concurrently, except when the configured diarization strategy works from
// the transcript, in which case it runs after transcription and receives its
// output. Every stage is injected; the package holds no global state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/endill/internal/observe"
	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────────────────────────────────────

// Normalizer decodes an upload into a canonical waveform.
// [*audio.Normalizer] satisfies it.
type Normalizer interface {
	Normalize(ctx context.Context, r io.Reader, name string) (*audio.Waveform, error)
}

// TextClassifier labels a single text span. [*classify.Classifier] satisfies it.
type TextClassifier interface {
	Classify(ctx context.Context, text string) (classify.Label, error)
}

// RunSaver persists finished runs.
type RunSaver interface {
	Save(ctx context.Context, r *Result) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────────────────────────────────────

// ClassifiedSegment is the unit returned to callers: a transcript segment with
// the speaker chosen by [Align] and the classifier's label.
type ClassifiedSegment struct {
	Text    string         `json:"text"`
	Start   float64        `json:"start"`
	End     float64        `json:"end"`
	Speaker *string        `json:"speaker,omitempty"`
	Label   classify.Label `json:"label"`
}

// Result is one complete analysis run.
type Result struct {
	RunID             string              `json:"run_id"`
	Strategy          string              `json:"strategy"`
	Duration          float64             `json:"duration"`
	ClassifierVersion string              `json:"classifier_version,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	Segments          []ClassifiedSegment `json:"segments"`
	Speakers          []SpeakerSummary    `json:"speakers,omitempty"`
}

// Options tunes a single [Orchestrator.Analyze] call.
type Options struct {
	// Speakers overrides the orchestrator's speaker count when positive.
	Speakers int
}

// ─────────────────────────────────────────────────────────────────────────────
// Orchestrator
// ─────────────────────────────────────────────────────────────────────────────

// Config wires an [Orchestrator].
type Config struct {
	Normalizer  Normalizer
	Transcriber stt.Provider
	Strategy    diarize.Strategy
	Classifier  TextClassifier

	// ClassifierVersion is copied into every [Result].
	ClassifierVersion string

	// Store receives every finished run. Optional.
	Store RunSaver

	// Speakers is the default speaker count. Values below 1 select 2.
	Speakers int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Orchestrator runs the analysis pipeline. It is safe for concurrent use.
type Orchestrator struct {
	normalizer        Normalizer
	transcriber       stt.Provider
	strategy          diarize.Strategy
	classifier        TextClassifier
	classifierVersion string
	store             RunSaver
	metrics           *observe.Metrics
	speakers          atomic.Int64
}

// New validates cfg and returns an [Orchestrator].
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Normalizer == nil {
		errs = append(errs, errors.New("normalizer is required"))
	}
	if cfg.Transcriber == nil {
		errs = append(errs, errors.New("transcriber is required"))
	}
	if cfg.Strategy == nil {
		errs = append(errs, errors.New("diarization strategy is required"))
	}
	if cfg.Classifier == nil {
		errs = append(errs, errors.New("classifier is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	o := &Orchestrator{
		normalizer:        cfg.Normalizer,
		transcriber:       cfg.Transcriber,
		strategy:          cfg.Strategy,
		classifier:        cfg.Classifier,
		classifierVersion: cfg.ClassifierVersion,
		store:             cfg.Store,
		metrics:           cfg.Metrics,
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.SetSpeakers(cfg.Speakers)
	return o, nil
}

// Strategy returns the name of the active diarization strategy.
func (o *Orchestrator) Strategy() string { return o.strategy.Name() }

// SetSpeakers changes the default speaker count for subsequent calls. Values
// below 1 select 2.
func (o *Orchestrator) SetSpeakers(n int) {
	if n < 1 {
		n = 2
	}
	o.speakers.Store(int64(n))
}

// Speakers returns the current default speaker count.
func (o *Orchestrator) Speakers() int { return int(o.speakers.Load()) }

// Analyze runs the full pipeline over the upload in r. name is the client file
// name, used only as a decoding hint.
//
// Decoding errors are returned unchanged so callers can test them with
// [errors.Is] against [audio.ErrUnsupportedFormat] and [audio.ErrEmptyAudio].
func (o *Orchestrator) Analyze(ctx context.Context, r io.Reader, name string, opts Options) (*Result, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.analyze")
	defer span.End()
	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(ctx, -1)

	res, err := o.analyze(ctx, r, name, opts)
	if err != nil {
		return nil, observe.Fail(span, err)
	}
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("segments", len(res.Segments)),
	)
	o.metrics.AnalyzeDuration.Record(ctx, time.Since(start).Seconds())

	if o.store != nil {
		if err := o.store.Save(ctx, res); err != nil {
			// The caller still gets the result; only later retrieval is lost.
			observe.Logger(ctx).Warn("failed to save run", "run_id", res.RunID, "err", err)
		}
	}
	return res, nil
}

func (o *Orchestrator) analyze(ctx context.Context, r io.Reader, name string, opts Options) (*Result, error) {
	w, err := o.normalize(ctx, r, name)
	if err != nil {
		return nil, err
	}

	transcript, segs, err := o.transcribeAndDiarize(ctx, w, o.speakersFor(opts))
	if err != nil {
		return nil, err
	}

	classified, err := o.classifyAll(ctx, Align(transcript, segs))
	if err != nil {
		return nil, err
	}

	return &Result{
		RunID:             uuid.NewString(),
		Strategy:          o.strategy.Name(),
		Duration:          w.Duration(),
		ClassifierVersion: o.classifierVersion,
		CreatedAt:         time.Now().UTC(),
		Segments:          classified,
		Speakers:          Summarize(classified),
	}, nil
}

// Diarize normalises the upload in r and returns its diarization only.
// speakers below 1 select the orchestrator default.
func (o *Orchestrator) Diarize(ctx context.Context, r io.Reader, name string, speakers int) ([]diarize.Segment, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.diarize")
	defer span.End()

	w, err := o.normalize(ctx, r, name)
	if err != nil {
		return nil, observe.Fail(span, err)
	}

	var transcript []stt.Segment
	if diarize.NeedsTranscript(o.strategy) {
		if transcript, err = o.transcribe(ctx, w); err != nil {
			return nil, observe.Fail(span, err)
		}
	}
	segs, err := o.diarize(ctx, w, o.speakersFor(Options{Speakers: speakers}), transcript)
	if err != nil {
		return nil, observe.Fail(span, err)
	}
	return segs, nil
}

// Classify labels a single text span.
func (o *Orchestrator) Classify(ctx context.Context, text string) (classify.Label, error) {
	start := time.Now()
	label, err := o.classifier.Classify(ctx, text)
	if err != nil {
		return "", err
	}
	o.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordClassification(ctx, string(label))
	return label, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stages
// ─────────────────────────────────────────────────────────────────────────────

func (o *Orchestrator) speakersFor(opts Options) int {
	if opts.Speakers > 0 {
		return opts.Speakers
	}
	return o.Speakers()
}

func (o *Orchestrator) normalize(ctx context.Context, r io.Reader, name string) (*audio.Waveform, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.normalize")
	defer span.End()

	w, err := o.normalizer.Normalize(ctx, r, name)
	if err != nil {
		return nil, observe.Fail(span, err)
	}
	o.metrics.NormalizeDuration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Float64("duration_s", w.Duration()))
	return w, nil
}

// transcribeAndDiarize runs both segmentations over w. They run concurrently
// unless the strategy consumes the transcript.
func (o *Orchestrator) transcribeAndDiarize(ctx context.Context, w *audio.Waveform, speakers int) ([]stt.Segment, []diarize.Segment, error) {
	if diarize.NeedsTranscript(o.strategy) {
		transcript, err := o.transcribe(ctx, w)
		if err != nil {
			return nil, nil, err
		}
		segs, err := o.diarize(ctx, w, speakers, transcript)
		if err != nil {
			return nil, nil, err
		}
		return transcript, segs, nil
	}

	var (
		transcript []stt.Segment
		segs       []diarize.Segment
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		transcript, err = o.transcribe(egCtx, w)
		return err
	})
	eg.Go(func() error {
		var err error
		segs, err = o.diarize(egCtx, w, speakers, nil)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return transcript, segs, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, w *audio.Waveform) ([]stt.Segment, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe")
	defer span.End()

	segs, err := o.transcriber.Transcribe(ctx, w)
	if err != nil {
		return nil, observe.Fail(span, fmt.Errorf("pipeline: transcribe: %w", err))
	}
	o.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	segs = stt.Normalize(segs)
	span.SetAttributes(attribute.Int("segments", len(segs)))
	return segs, nil
}

func (o *Orchestrator) diarize(ctx context.Context, w *audio.Waveform, speakers int, transcript []stt.Segment) ([]diarize.Segment, error) {
	start := time.Now()
	name := o.strategy.Name()
	ctx, span := observe.StartSpan(ctx, "pipeline.diarize."+name)
	defer span.End()

	segs, err := o.strategy.Diarize(ctx, diarize.Input{
		Waveform:   w,
		Speakers:   speakers,
		Transcript: transcript,
	})
	if err != nil {
		return nil, observe.Fail(span, fmt.Errorf("pipeline: diarize: %w", err))
	}
	o.metrics.DiarizeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("strategy", name)))
	if len(segs) == 1 && segs[0].Speaker == diarize.Unknown {
		o.metrics.RecordDiarizationFallback(ctx, name)
	}
	span.SetAttributes(attribute.Int("segments", len(segs)))
	return segs, nil
}

// classifyAll labels every aligned segment with non-blank text. Segments are
// classified concurrently; the result keeps transcript order.
func (o *Orchestrator) classifyAll(ctx context.Context, aligned []Aligned) ([]ClassifiedSegment, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.classify")
	defer span.End()

	out := make([]ClassifiedSegment, len(aligned))
	keep := make([]bool, len(aligned))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, a := range aligned {
		eg.Go(func() error {
			label, err := o.Classify(egCtx, a.Text)
			if errors.Is(err, classify.ErrEmptyInput) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("pipeline: classify segment %d: %w", i, err)
			}
			out[i] = ClassifiedSegment{
				Text:    a.Text,
				Start:   a.Start,
				End:     a.End,
				Speaker: a.Speaker,
				Label:   label,
			}
			keep[i] = true
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, observe.Fail(span, err)
	}

	result := make([]ClassifiedSegment, 0, len(out))
	for i, s := range out {
		if keep[i] {
			result = append(result, s)
		}
	}
	return result, nil
}
