// Package app wires all Endill subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New builds the run store, the
// diarization strategy, the pipeline orchestrator and the HTTP handler; Run
// serves until its context is cancelled; Shutdown drains in-flight requests
// and releases everything in order.
//
// For testing, inject doubles via functional options (WithRunStore,
// WithNormalizer, WithMetrics). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/endill/internal/api"
	"github.com/MrWong99/endill/internal/config"
	"github.com/MrWong99/endill/internal/health"
	"github.com/MrWong99/endill/internal/observe"
	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/resilience"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/internal/runstore/postgres"
	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/diarize/cluster"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// Providers holds the model-backed collaborators built by main.go from the
// config registry. Extractors only need to be set for the strategy in use.
type Providers struct {
	Transcriber stt.Provider
	Spectral    embeddings.Extractor
	Learned     embeddings.Extractor

	// Artifact is the loaded classifier. It is required; the service never
	// starts without one.
	Artifact *classify.Artifact
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	runs       runstore.Store
	normalizer pipeline.Normalizer
	metrics    *observe.Metrics
	orch       *pipeline.Orchestrator
	cors       *api.CORS
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRunStore injects a run store instead of creating one from config.
func WithRunStore(s runstore.Store) Option {
	return func(a *App) { a.runs = s }
}

// WithNormalizer injects an upload decoder instead of the ffmpeg-backed one.
func WithNormalizer(n pipeline.Normalizer) Option {
	return func(a *App) { a.normalizer = n }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Artifact == nil {
		return nil, fmt.Errorf("app: %w: no classifier artifact", classify.ErrArtifactLoad)
	}
	if providers.Transcriber == nil {
		return nil, errors.New("app: a transcription provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.closers = append(a.closers, providers.Artifact.Close)
	if c, ok := providers.Transcriber.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// ── 1. Run store ─────────────────────────────────────────────────────
	if err := a.initRunStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init run store: %w", err)
	}

	// ── 2. Diarization strategy + orchestrator ───────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 3. HTTP handler ──────────────────────────────────────────────────
	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRunStore connects to PostgreSQL when a DSN is configured and falls back
// to a bounded in-memory store otherwise.
func (a *App) initRunStore(ctx context.Context) error {
	if a.runs == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.runs = store
			slog.Info("run store connected", "backend", "postgres")
		} else {
			a.runs = runstore.NewMemory(a.cfg.Storage.MaxRuns)
			slog.Info("run store ready", "backend", "memory", "max_runs", a.cfg.Storage.MaxRuns)
		}
	}
	a.closers = append(a.closers, func() error {
		a.runs.Close()
		return nil
	})
	return nil
}

func (a *App) initPipeline() error {
	d := a.cfg.Diarization
	linkage, err := cluster.ParseLinkage(d.Linkage)
	if err != nil {
		return err
	}
	strategy, err := diarize.New(d.Strategy, diarize.Dependencies{
		Spectral:    a.providers.Spectral,
		Learned:     a.providers.Learned,
		Transcriber: a.providers.Transcriber,
		Options: []diarize.EmbeddingOption{
			diarize.WithFrameSeconds(d.FrameSeconds),
			diarize.WithLinkage(linkage),
			diarize.WithMergeAdjacent(d.MergeAdjacent),
			diarize.WithConcurrency(d.Concurrency),
		},
	})
	if err != nil {
		return err
	}

	if a.normalizer == nil {
		a.normalizer = audio.NewNormalizer(
			audio.WithFFmpegPath(a.cfg.Audio.FFmpegPath),
			audio.WithScratchDir(a.cfg.Audio.ScratchDir),
		)
	}

	art := a.providers.Artifact
	a.orch, err = pipeline.New(pipeline.Config{
		Normalizer:        a.normalizer,
		Transcriber:       a.providers.Transcriber,
		Strategy:          strategy,
		Classifier:        art.Classifier(),
		ClassifierVersion: art.Version,
		Store:             a.runs,
		Speakers:          d.Speakers,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}
	slog.Info("pipeline ready",
		"strategy", strategy.Name(),
		"speakers", a.orch.Speakers(),
		"classifier_version", art.Version,
	)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	checks := []health.Checker{
		{Name: "classifier", Check: func(context.Context) error {
			if a.providers.Artifact == nil || a.providers.Artifact.Model == nil {
				return classify.ErrArtifactLoad
			}
			return nil
		}},
	}
	if p, ok := a.runs.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "run_store", Check: p.Ping})
	}
	if fb, ok := a.providers.Transcriber.(interface{ Health() map[string]resilience.State }); ok {
		checks = append(checks, health.Checker{Name: "transcriber", Check: func(context.Context) error {
			for _, st := range fb.Health() {
				if st != resilience.StateOpen {
					return nil
				}
			}
			return errors.New("every transcription backend is failing")
		}})
	}
	for name, ex := range map[string]embeddings.Extractor{"spectral": a.providers.Spectral, "learned": a.providers.Learned} {
		b, ok := ex.(interface{ State() resilience.State })
		if !ok {
			continue
		}
		checks = append(checks, health.Checker{Name: name + "_extractor", Check: func(context.Context) error {
			if st := b.State(); st == resilience.StateOpen {
				return fmt.Errorf("embedding backend circuit %s", st)
			}
			return nil
		}})
	}
	health.New(checks...).Register(mux)

	api.New(a.orch, a.runs, api.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.cors = api.NewCORS(a.cfg.Server.CORSOrigins)
	a.handler = a.cors.Middleware(observe.Middleware(a.metrics)(mux))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the pipeline orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// ApplyDiff applies the hot-reloadable parts of a config change. Log level
// changes are handled by the caller, which owns the logger.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.CORSChanged {
		a.cors.SetOrigins(d.NewCORSOrigins)
		slog.Info("cors origins updated", "origins", d.NewCORSOrigins)
	}
	if d.SpeakersChanged {
		a.orch.SetSpeakers(d.NewSpeakers)
		slog.Info("default speaker count updated", "speakers", a.orch.Speakers())
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the configured address and serves HTTP until ctx is cancelled.
// The listener is only opened here, so a failed New never accepts traffic.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then returns ctx.Err().
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for in-flight ones, then runs the
// closers in order. If ctx expires first, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
