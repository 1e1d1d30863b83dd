// Command endill is the main entry point for the Endill argument-detection
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MrWong99/endill/internal/app"
	"github.com/MrWong99/endill/internal/config"
	"github.com/MrWong99/endill/internal/observe"
	"github.com/MrWong99/endill/internal/resilience"
	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/classify/linear"
	"github.com/MrWong99/endill/pkg/classify/remote"
	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
	"github.com/MrWong99/endill/pkg/provider/embeddings/mfcc"
	"github.com/MrWong99/endill/pkg/provider/embeddings/wav2vec"
	"github.com/MrWong99/endill/pkg/provider/stt"
	"github.com/MrWong99/endill/pkg/provider/stt/openai"
	"github.com/MrWong99/endill/pkg/provider/stt/whisper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to a YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional .env file loaded before the environment is read")
	watch := flag.Bool("watch", true, "poll the config file for changes (SIGHUP always triggers a reload)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "endill: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "endill: config file %q not found; copy configs/example.yaml or run without -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "endill: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("endill starting",
		"version", version,
		"config", *configPath,
		"addr", cfg.Server.Addr(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, cfg, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level updated", "level", d.NewLogLevel)
			}
			application.ApplyDiff(d)
		})
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			if *watch {
				go w.Run(ctx)
			}
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload rejected", "err", err)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, openai.WithLanguage(lang))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterExtractor("mfcc", func(config.EmbeddingConfig) (embeddings.Extractor, error) {
		return mfcc.New(mfcc.Config{})
	})

	reg.RegisterExtractor("wav2vec", func(cfg config.EmbeddingConfig) (embeddings.Extractor, error) {
		opts := []wav2vec.Option{wav2vec.WithSampleRate(cfg.SampleRate)}
		if dims := optInt(cfg.Options, "dimensions"); dims > 0 {
			opts = append(opts, wav2vec.WithDimensions(dims))
		}
		return wav2vec.New(cfg.BaseURL, cfg.Model, opts...)
	})

	// ── Classifier ────────────────────────────────────────────────────────────

	reg.RegisterClassifierModel(config.BackendLinear, func(cfg config.ClassifierConfig) (classify.Model, error) {
		return linear.Load(filepath.Join(cfg.ArtifactDir, linear.FileName))
	})

	reg.RegisterClassifierModel(config.BackendRemote, func(cfg config.ClassifierConfig) (classify.Model, error) {
		var opts []remote.Option
		if cfg.Model != "" {
			opts = append(opts, remote.WithModelName(cfg.Model))
		}
		return remote.New(cfg.BaseURL, opts...)
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	// Transcription, with an optional failover chain.
	primary, err := reg.CreateSTT(cfg.Transcription.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Transcription.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Transcription.Name)
	ps.Transcriber = primary
	if len(cfg.Transcription.Fallbacks) > 0 {
		fb := resilience.NewSTTFallback(primary, cfg.Transcription.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Transcription.Fallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
		}
		ps.Transcriber = fb
	}

	// Extractors are only built for the strategy that needs them.
	switch cfg.Diarization.Strategy {
	case diarize.StrategySpectral:
		ex, err := reg.CreateExtractor(config.EmbeddingConfig{ProviderEntry: config.ProviderEntry{Name: "mfcc"}})
		if err != nil {
			return nil, fmt.Errorf("create spectral extractor: %w", err)
		}
		ps.Spectral = resilience.NewExtractorBreaker(ex, resilience.CircuitBreakerConfig{Name: "mfcc"})
	case diarize.StrategyLearned:
		ex, err := reg.CreateExtractor(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("create learned extractor %q: %w", cfg.Embedding.Name, err)
		}
		ps.Learned = resilience.NewExtractorBreaker(ex, resilience.CircuitBreakerConfig{Name: cfg.Embedding.Name})
		slog.Info("provider created", "kind", "embeddings", "name", cfg.Embedding.Name, "model", ex.ModelID())
	}

	// The classifier artifact is mandatory.
	art, err := loadArtifact(cfg.Classifier, reg)
	if err != nil {
		return nil, err
	}
	ps.Artifact = art
	slog.Info("classifier loaded",
		"dir", cfg.Classifier.ArtifactDir,
		"backend", cfg.Classifier.Backend,
		"version", art.Version,
	)
	return ps, nil
}

// loadArtifact loads the tokenizer and the model selected by cfg.Backend.
// The linear backend reads the weights shipped with the artifact.
func loadArtifact(cfg config.ClassifierConfig, reg *config.Registry) (*classify.Artifact, error) {
	opts := []classify.LoadOption{classify.WithMaxLength(cfg.MaxLength)}
	if cfg.Backend != config.BackendLinear {
		m, err := reg.CreateClassifierModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %w", classify.ErrArtifactLoad, cfg.Backend, err)
		}
		if cfg.FallbackToLinear {
			lin, err := reg.CreateClassifierModel(config.ClassifierConfig{Backend: config.BackendLinear, ArtifactDir: cfg.ArtifactDir})
			if err != nil {
				_ = m.Close()
				return nil, fmt.Errorf("%w: fallback weights: %w", classify.ErrArtifactLoad, err)
			}
			fb := resilience.NewClassifierFallback(m, string(cfg.Backend), resilience.FallbackConfig{})
			fb.AddFallback(string(config.BackendLinear), lin)
			m = fb
		}
		opts = append(opts, classify.WithModel(m))
	}
	return classify.LoadArtifact(cfg.ArtifactDir, opts...)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Endill — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.Addr())
	printRow("Strategy", cfg.Diarization.Strategy)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Speakers", cfg.Diarization.Speakers)
	printRow("STT", providerLabel(cfg.Transcription.Name, cfg.Transcription.Model))
	fmt.Printf("║  %-12s    : %-19d ║\n", "STT fallback", len(cfg.Transcription.Fallbacks))
	if cfg.Diarization.Strategy == diarize.StrategyLearned {
		printRow("Embeddings", providerLabel(cfg.Embedding.Name, cfg.Embedding.Model))
	}
	printRow("Classifier", string(cfg.Classifier.Backend))
	printRow("Model ver.", ps.Artifact.Version)
	if cfg.Storage.PostgresDSN != "" {
		printRow("Run store", "postgres")
	} else {
		printRow("Run store", fmt.Sprintf("memory (%d)", cfg.Storage.MaxRuns))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func providerLabel(name, model string) string {
	if model != "" && len(name)+len(model) < 17 {
		return name + " / " + model
	}
	return name
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes plain numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
