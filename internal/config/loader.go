package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/diarize/cluster"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8000
	DefaultMaxUploadBytes = 64 << 20
	DefaultArtifactDir    = "models/adm"
	DefaultMaxRuns        = 1000
	DefaultServiceName    = "endill"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "whisper-native", "openai"},
	"embeddings": {"mfcc", "wav2vec"},
}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored; with no arguments ".env" is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("config: load env file: %w", err)
	}
	return nil
}

// Load builds the effective configuration: the YAML file at path (optional;
// pass "" to skip), then environment overrides from the process environment,
// then defaults. The result is validated.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := parse(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, nil)
}

// parse is the shared decode → env → defaults → validate path. env may be nil.
func parse(r io.Reader, env LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if env != nil {
		if err := ApplyEnv(cfg, env); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the service's environment variables. Malformed
// numeric values are reported together.
func ApplyEnv(cfg *Config, env LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("HOST", &cfg.Server.Host)
	if v, ok := env("PORT"); ok && strings.TrimSpace(v) != "" {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT %q is not a number", v))
		} else {
			cfg.Server.Port = p
		}
	}
	if v, ok := env("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v, ok := env("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
	str("DIARIZATION_STRATEGY", &cfg.Diarization.Strategy)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("ADM_ARTIFACT_DIR", &cfg.Classifier.ArtifactDir)
	str("DATABASE_URL", &cfg.Storage.PostgresDSN)
	if cfg.Transcription.Name == "openai" && cfg.Transcription.APIKey == "" {
		str("OPENAI_API_KEY", &cfg.Transcription.APIKey)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if len(s.CORSOrigins) == 0 {
		s.CORSOrigins = []string{"*"}
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}

	d := &cfg.Diarization
	if d.Strategy == "" {
		d.Strategy = diarize.StrategySpectral
	}
	d.Strategy = strings.ToLower(d.Strategy)
	if d.Speakers == 0 {
		d.Speakers = cluster.DefaultClusters
	}
	if d.FrameSeconds == 0 {
		d.FrameSeconds = 2.0
	}
	if d.Linkage == "" {
		d.Linkage = cluster.Ward.String()
	}

	e := &cfg.Embedding
	if e.Name == "" {
		e.Name = "wav2vec"
	}
	if e.SampleRate == 0 {
		e.SampleRate = 16000
	}

	if cfg.Transcription.Name == "" {
		cfg.Transcription.Name = "whisper"
	}

	c := &cfg.Classifier
	if c.ArtifactDir == "" {
		c.ArtifactDir = DefaultArtifactDir
	}
	if c.Backend == "" {
		c.Backend = BackendLinear
	}
	if c.MaxLength == 0 {
		c.MaxLength = 256
	}

	if cfg.Audio.FFmpegPath == "" {
		cfg.Audio.FFmpegPath = "ffmpeg"
	}
	if cfg.Storage.MaxRuns == 0 {
		cfg.Storage.MaxRuns = DefaultMaxRuns
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Diarization
	d := cfg.Diarization
	if !slices.Contains(diarize.Strategies, d.Strategy) {
		errs = append(errs, fmt.Errorf("diarization.strategy %q is invalid; valid values: %s", d.Strategy, strings.Join(diarize.Strategies, ", ")))
	}
	if d.Speakers < 1 {
		errs = append(errs, fmt.Errorf("diarization.speakers must be at least 1, got %d", d.Speakers))
	}
	if d.FrameSeconds <= 0 {
		errs = append(errs, fmt.Errorf("diarization.frame_seconds must be positive, got %g", d.FrameSeconds))
	}
	if _, err := cluster.ParseLinkage(d.Linkage); err != nil {
		errs = append(errs, fmt.Errorf("diarization.linkage: %w", err))
	}
	if d.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("diarization.concurrency must not be negative"))
	}

	// Providers
	validateProviderName("embeddings", cfg.Embedding.Name)
	validateProviderName("stt", cfg.Transcription.Name)
	for i, fb := range cfg.Transcription.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("transcription.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if cfg.Transcription.Name == "whisper-native" && cfg.Transcription.Model == "" {
		errs = append(errs, fmt.Errorf("transcription.model must point to a ggml model file for whisper-native"))
	}
	if d.Strategy == diarize.StrategyLearned && cfg.Embedding.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("embedding.sample_rate must be positive"))
	}

	// Classifier
	c := cfg.Classifier
	if c.ArtifactDir == "" {
		errs = append(errs, fmt.Errorf("classifier.artifact_dir is required"))
	}
	if !c.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("classifier.backend %q is invalid; valid values: linear, remote", c.Backend))
	}
	if c.Backend == BackendRemote && c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("classifier.base_url is required for the remote backend"))
	}
	if c.FallbackToLinear && c.Backend != BackendRemote {
		slog.Warn("classifier.fallback_to_linear has no effect unless backend is remote")
	}
	if c.MaxLength < 2 {
		errs = append(errs, fmt.Errorf("classifier.max_length must be at least 2, got %d", c.MaxLength))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Debug("storage.postgres_dsn is empty; analysis runs are kept in memory only")
	}
	if cfg.Storage.MaxRuns < 0 {
		errs = append(errs, fmt.Errorf("storage.max_runs must not be negative"))
	}

	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %g is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
