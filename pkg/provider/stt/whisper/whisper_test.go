package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/stt"
	"github.com/MrWong99/endill/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that responds to POST /inference with
// the given JSON body. Each request's multipart fields are handed to check.
func newMockServer(t *testing.T, response any, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// speech generates a 440 Hz sine wave of the given length.
func speech(seconds float64) *audio.Waveform {
	n := int(seconds * audio.CanonicalRate)
	s := make([]float32, n)
	for i := range n {
		s[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/audio.CanonicalRate))
	}
	return &audio.Waveform{Samples: s, SampleRate: audio.CanonicalRate}
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyURL(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL, got nil")
	}
}

func TestTranscribe_VerboseSegments(t *testing.T) {
	resp := map[string]any{
		"text": "We should ban cars. Studies show fewer deaths.",
		"segments": []map[string]any{
			{"start": 0.0, "end": 1.8, "text": " We should ban cars."},
			{"start": 1.8, "end": 3.9, "text": " Studies show fewer deaths."},
		},
	}
	srv := newMockServer(t, resp, func(r *http.Request) {
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q, want verbose_json", got)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language = %q, want de", got)
		}
		if got := r.FormValue("model"); got != "small" {
			t.Errorf("model = %q, want small", got)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if _, err := audio.DecodeWAV(data); err != nil {
			t.Errorf("uploaded file is not a valid wav: %v", err)
		}
	})

	p, err := whisper.New(srv.URL, whisper.WithLanguage("de"), whisper.WithModel("small"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Transcribe(context.Background(), speech(4))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	want := []stt.Segment{
		{Text: "We should ban cars.", Start: 0, End: 1.8},
		{Text: "Studies show fewer deaths.", Start: 1.8, End: 3.9},
	}
	if len(got) != len(want) {
		t.Fatalf("segments = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTranscribe_TextOnlyFallback(t *testing.T) {
	srv := newMockServer(t, map[string]string{"text": " hello there "}, nil)
	p, _ := whisper.New(srv.URL)
	got, err := p.Transcribe(context.Background(), speech(2))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello there" || got[0].End != 2 {
		t.Errorf("segments = %+v, want one segment spanning 0..2", got)
	}
}

func TestTranscribe_NoSpeech(t *testing.T) {
	srv := newMockServer(t, map[string]any{"text": "", "segments": []any{}}, nil)
	p, _ := whisper.New(srv.URL)
	got, err := p.Transcribe(context.Background(), speech(1))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("segments = %+v, want none", got)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), speech(1)); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestTranscribe_Cancelled(t *testing.T) {
	srv := newMockServer(t, map[string]string{"text": "x"}, nil)
	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, speech(1)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
