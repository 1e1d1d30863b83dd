package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/endill/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"port", "server:\n  port: 70000\n", "server.port"},
		{"strategy", "diarization:\n  strategy: neural\n", "diarization.strategy"},
		{"speakers", "diarization:\n  speakers: -1\n", "diarization.speakers"},
		{"frame seconds", "diarization:\n  frame_seconds: -2\n", "diarization.frame_seconds"},
		{"linkage", "diarization:\n  linkage: centroid\n", "diarization.linkage"},
		{"backend", "classifier:\n  backend: onnx\n", "classifier.backend"},
		{"remote without url", "classifier:\n  backend: remote\n", "classifier.base_url"},
		{"native without model", "transcription:\n  name: whisper-native\n", "transcription.model"},
		{"unnamed fallback", "transcription:\n  fallbacks:\n    - model: x\n", "transcription.fallbacks[0].name"},
		{"tls half configured", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"sample ratio", "telemetry:\n  sample_ratio: 1.5\n", "telemetry.sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
diarization:
  strategy: neural
classifier:
  backend: onnx
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "diarization.strategy", "classifier.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"HOST":                 "0.0.0.0",
		"PORT":                 "9090",
		"CORS_ORIGINS":         "https://a.example, https://b.example ,",
		"LOG_LEVEL":            "WARN",
		"DIARIZATION_STRATEGY": "alternating",
		"EMBEDDING_MODEL":      "facebook/wav2vec2-large-960h",
		"ADM_ARTIFACT_DIR":     "/models/adm",
		"DATABASE_URL":         "postgres://localhost/endill",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{}
	if err := config.ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got := cfg.Server.Addr(); got != "0.0.0.0:9090" {
		t.Errorf("addr = %q", got)
	}
	if !slices.Equal(cfg.Server.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("cors = %q", cfg.Server.CORSOrigins)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Diarization.Strategy != "alternating" {
		t.Errorf("strategy = %q", cfg.Diarization.Strategy)
	}
	if cfg.Embedding.Model != "facebook/wav2vec2-large-960h" {
		t.Errorf("embedding model = %q", cfg.Embedding.Model)
	}
	if cfg.Classifier.ArtifactDir != "/models/adm" {
		t.Errorf("artifact dir = %q", cfg.Classifier.ArtifactDir)
	}
	if cfg.Storage.PostgresDSN != "postgres://localhost/endill" {
		t.Errorf("dsn = %q", cfg.Storage.PostgresDSN)
	}
}

func TestApplyEnv_OverridesYAML(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("server:\n  port: 9000\n"))
	if err != nil {
		t.Fatal(err)
	}
	lookup := func(k string) (string, bool) {
		if k == "PORT" {
			return "9100", true
		}
		return "", false
	}
	if err := config.ApplyEnv(cfg, lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want env value 9100", cfg.Server.Port)
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	t.Parallel()
	lookup := func(k string) (string, bool) {
		if k == "PORT" {
			return "eighty", true
		}
		return "", false
	}
	err := config.ApplyEnv(&config.Config{}, lookup)
	if err == nil || !strings.Contains(err.Error(), "PORT") {
		t.Errorf("err = %v, want PORT error", err)
	}
}

func TestApplyEnv_OpenAIKeyOnlyForOpenAI(t *testing.T) {
	t.Parallel()
	lookup := func(k string) (string, bool) {
		if k == "OPENAI_API_KEY" {
			return "sk-env", true
		}
		return "", false
	}

	cfg := &config.Config{}
	cfg.Transcription.Name = "openai"
	_ = config.ApplyEnv(cfg, lookup)
	if cfg.Transcription.APIKey != "sk-env" {
		t.Errorf("api key = %q, want sk-env", cfg.Transcription.APIKey)
	}

	cfg = &config.Config{}
	cfg.Transcription.Name = "whisper"
	_ = config.ApplyEnv(cfg, lookup)
	if cfg.Transcription.APIKey != "" {
		t.Errorf("api key leaked into whisper config: %q", cfg.Transcription.APIKey)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endill.yaml")
	if err := os.WriteFile(path, []byte("diarization:\n  speakers: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIARIZATION_STRATEGY", "alternating")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Diarization.Speakers != 4 {
		t.Errorf("speakers = %d, want 4", cfg.Diarization.Speakers)
	}
	if cfg.Diarization.Strategy != "alternating" {
		t.Errorf("strategy = %q, want env override", cfg.Diarization.Strategy)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ENDILL_DOTENV_PROBE=from-file\nENDILL_DOTENV_KEEP=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENDILL_DOTENV_KEEP", "from-env")
	t.Setenv("ENDILL_DOTENV_PROBE", "")
	os.Unsetenv("ENDILL_DOTENV_PROBE")

	if err := config.LoadDotEnv(path, filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ENDILL_DOTENV_PROBE") })

	if got := os.Getenv("ENDILL_DOTENV_PROBE"); got != "from-file" {
		t.Errorf("probe = %q, want from-file", got)
	}
	if got := os.Getenv("ENDILL_DOTENV_KEEP"); got != "from-env" {
		t.Errorf("existing variable overridden: %q", got)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"stt", "embeddings"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no provider names listed for %q", kind)
		}
	}
}
