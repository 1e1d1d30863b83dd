package api_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/endill/internal/api"
	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/diarize/cluster"
	"github.com/MrWong99/endill/pkg/provider/stt"
	sttmock "github.com/MrWong99/endill/pkg/provider/stt/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes and helpers
// ─────────────────────────────────────────────────────────────────────────────

type fakeAnalyzer struct {
	mu sync.Mutex

	segments []diarize.Segment
	result   *pipeline.Result
	label    classify.Label
	err      error

	uploads  []string
	speakers []int
	texts    []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, r io.Reader, name string, opts pipeline.Options) (*pipeline.Result, error) {
	f.record(r, name, opts.Speakers)
	return f.result, f.err
}

func (f *fakeAnalyzer) Diarize(_ context.Context, r io.Reader, name string, speakers int) ([]diarize.Segment, error) {
	f.record(r, name, speakers)
	return f.segments, f.err
}

func (f *fakeAnalyzer) Classify(_ context.Context, text string) (classify.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.label, f.err
}

func (f *fakeAnalyzer) record(r io.Reader, name string, speakers int) {
	data, _ := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name+":"+string(data))
	f.speakers = append(f.speakers, speakers)
}

func newMux(t *testing.T, a api.Analyzer, runs runstore.Store, opts ...api.Option) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	api.New(a, runs, opts...).Register(mux)
	return mux
}

// multipartRequest builds a POST with an optional file part and form fields.
func multipartRequest(t *testing.T, path, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(mux http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

// ─────────────────────────────────────────────────────────────────────────────
// /diarize
// ─────────────────────────────────────────────────────────────────────────────

func TestDiarize_OK(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{segments: []diarize.Segment{
		{Speaker: "spk_0", Start: 0, End: 2},
		{Speaker: "spk_1", Start: 2, End: 4},
	}}
	mux := newMux(t, fa, nil)

	for _, path := range []string{"/diarize", "/api/diarize"} {
		rec := serve(mux, multipartRequest(t, path, "debate.mp3", []byte("audio"), map[string]string{"speakers": "3"}))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body %s", path, rec.Code, rec.Body)
		}
		var body struct {
			Segments []diarize.Segment `json:"segments"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Segments) != 2 || body.Segments[1].Speaker != "spk_1" {
			t.Errorf("%s: segments = %+v", path, body.Segments)
		}
	}
	if fa.uploads[0] != "debate.mp3:audio" || fa.speakers[0] != 3 {
		t.Errorf("analyzer saw %v / %v", fa.uploads, fa.speakers)
	}
}

func TestDiarize_BadRequests(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{}
	mux := newMux(t, fa, nil)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no file", multipartRequest(t, "/diarize", "", nil, map[string]string{"speakers": "2"})},
		{"empty file", multipartRequest(t, "/diarize", "a.wav", nil, nil)},
		{"bad speakers", multipartRequest(t, "/diarize", "a.wav", []byte("x"), map[string]string{"speakers": "two"})},
		{"zero speakers", multipartRequest(t, "/diarize", "a.wav", []byte("x"), map[string]string{"speakers": "0"})},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/diarize", strings.NewReader("raw"))},
	}
	for _, tt := range tests {
		rec := serve(mux, tt.req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, rec.Code)
		}
		if msg := decodeError(t, rec); msg == "" {
			t.Errorf("%s: empty error message", tt.name)
		}
	}
	if len(fa.uploads) != 0 {
		t.Errorf("analyzer called for invalid requests: %v", fa.uploads)
	}
}

func TestDiarize_ErrorStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unsupported format", fmt.Errorf("audio: ffmpeg: %w", audio.ErrUnsupportedFormat), http.StatusUnprocessableEntity},
		{"clustering", fmt.Errorf("diarize: %w", cluster.ErrClustering), http.StatusUnprocessableEntity},
		{"empty audio", audio.ErrEmptyAudio, http.StatusBadRequest},
		{"unexpected", errors.New("segfault in libfoo"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := newMux(t, &fakeAnalyzer{err: tt.err}, nil)
			rec := serve(mux, multipartRequest(t, "/diarize", "a.ogg", []byte("x"), nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			msg := decodeError(t, rec)
			if tt.wantStatus == http.StatusInternalServerError && msg != "internal error" {
				t.Errorf("500 leaks details: %q", msg)
			}
		})
	}
}

func TestDiarize_UploadTooLarge(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{}
	mux := newMux(t, fa, nil, api.WithMaxUploadBytes(512))
	rec := serve(mux, multipartRequest(t, "/diarize", "a.wav", bytes.Repeat([]byte("x"), 4096), nil))
	if rec.Code < 400 || rec.Code >= 500 {
		t.Errorf("status = %d, want a 4xx", rec.Code)
	}
	if len(fa.uploads) != 0 {
		t.Error("analyzer called for an oversized upload")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// /predict
// ─────────────────────────────────────────────────────────────────────────────

func TestPredict(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{label: classify.Evidence}
	mux := newMux(t, fa, nil)

	for _, path := range []string{"/predict", "/analyze-text", "/api/adm/predict", "/api/adm/analyze-text"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"text":"Studies show a 12% drop."}`))
		rec := serve(mux, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"label":"evidence"}` {
			t.Errorf("%s: body = %s", path, got)
		}
	}
}

func TestPredict_BadRequests(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{label: classify.Claim}
	mux := newMux(t, fa, nil)

	for _, body := range []string{`{"text":"   "}`, `{}`, `not json`, ``} {
		rec := serve(mux, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(fa.texts) != 0 {
		t.Errorf("classifier invoked for invalid input: %q", fa.texts)
	}
}

func TestPredict_TooLarge(t *testing.T) {
	t.Parallel()
	mux := newMux(t, &fakeAnalyzer{label: classify.Claim}, nil, api.WithMaxUploadBytes(64))
	body := `{"text":"` + strings.Repeat("a", 256) + `"}`
	rec := serve(mux, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestPredict_ModelFailure(t *testing.T) {
	t.Parallel()
	mux := newMux(t, &fakeAnalyzer{err: errors.New("model exploded")}, nil)
	rec := serve(mux, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"text":"hi"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPredict_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	mux := newMux(t, &fakeAnalyzer{}, nil)
	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/predict", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// /analyze and /runs
// ─────────────────────────────────────────────────────────────────────────────

func sp(s string) *string { return &s }

func storedRun(id string) *pipeline.Result {
	return &pipeline.Result{
		RunID:     id,
		Strategy:  "spectral",
		Duration:  4,
		CreatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Segments: []pipeline.ClassifiedSegment{
			{Text: "Ban it, now!", Start: 0, End: 2, Speaker: sp("spk_0"), Label: classify.Claim},
			{Text: "Data says so.", Start: 2, End: 4, Speaker: sp("spk_1"), Label: classify.Evidence},
		},
		Speakers: []pipeline.SpeakerSummary{
			{Speaker: "spk_0", Segments: 1, Seconds: 2, Profile: []float32{1, 0, 0}},
			{Speaker: "spk_1", Segments: 1, Seconds: 2, Profile: []float32{0, 1, 0}},
		},
	}
}

func TestAnalyze_OK(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{result: storedRun("run-1")}
	mux := newMux(t, fa, nil)
	rec := serve(mux, multipartRequest(t, "/api/analyze", "a.wav", []byte("x"), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["run_id"] != "run-1" || body["strategy"] != "spectral" {
		t.Errorf("body = %v", body)
	}
	if fa.speakers[0] != 0 {
		t.Errorf("speakers = %d, want 0 (use default)", fa.speakers[0])
	}
}

func TestRuns(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemory(0)
	ctx := context.Background()
	_ = store.Save(ctx, storedRun("r1"))
	other := storedRun("r2")
	other.Speakers[0].Profile = []float32{0.9, 0.1, 0}
	_ = store.Save(ctx, other)
	mux := newMux(t, &fakeAnalyzer{}, store)

	t.Run("get", func(t *testing.T) {
		rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs/r1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var got pipeline.Result
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.RunID != "r1" || len(got.Segments) != 2 {
			t.Errorf("run = %+v", got)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		for _, path := range []string{"/runs/nope", "/api/runs/nope/export.csv", "/runs/nope/export.json"} {
			if rec := serve(mux, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusNotFound {
				t.Errorf("%s: status = %d, want 404", path, rec.Code)
			}
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs?limit=1", nil))
		var body struct {
			Runs []runstore.Summary `json:"runs"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Runs) != 1 || body.Runs[0].RunID != "r2" {
			t.Errorf("runs = %+v", body.Runs)
		}
		if rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs?limit=x", nil)); rec.Code != http.StatusBadRequest {
			t.Errorf("bad limit status = %d", rec.Code)
		}
	})

	t.Run("export csv", func(t *testing.T) {
		rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs/r1/export.csv", nil))
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Errorf("content type = %q", ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "r1.csv") {
			t.Errorf("content disposition = %q", cd)
		}
		rows, err := csv.NewReader(rec.Body).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 3 || rows[1][4] != "Ban it, now!" {
			t.Errorf("rows = %q", rows)
		}
	})

	t.Run("export json", func(t *testing.T) {
		rec := serve(mux, httptest.NewRequest(http.MethodGet, "/api/runs/r1/export.json", nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run_id": "r1"`) {
			t.Errorf("status = %d, body = %s", rec.Code, rec.Body)
		}
	})

	t.Run("similar speakers", func(t *testing.T) {
		rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs/r1/speakers/spk_0/similar?limit=1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Matches []runstore.SpeakerMatch `json:"matches"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Matches) != 1 || body.Matches[0].RunID != "r2" || body.Matches[0].Speaker != "spk_0" {
			t.Errorf("matches = %+v", body.Matches)
		}
		if rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs/r1/speakers/spk_9/similar", nil)); rec.Code != http.StatusNotFound {
			t.Errorf("unknown speaker status = %d", rec.Code)
		}
	})
}

func TestRuns_NoStore(t *testing.T) {
	t.Parallel()
	mux := newMux(t, &fakeAnalyzer{}, nil)
	if rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs/r1", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != `{"runs":[]}` {
		t.Errorf("body = %s", got)
	}
}

// keywordClassifier labels text ending in "!" as a claim and anything else as
// non_info.
type keywordClassifier struct{}

func (keywordClassifier) Classify(_ context.Context, text string) (classify.Label, error) {
	if strings.TrimSpace(text) == "" {
		return "", classify.ErrEmptyInput
	}
	if strings.HasSuffix(text, "!") {
		return classify.Claim, nil
	}
	return classify.NonInfo, nil
}

func TestAnalyzeThenFetchRun(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemory(10)
	orch, err := pipeline.New(pipeline.Config{
		Normalizer: audio.NewNormalizer(),
		Transcriber: &sttmock.Provider{Segments: []stt.Segment{
			{Text: "Lower the voting age!", Start: 0, End: 1.5},
			{Text: "I disagree.", Start: 1.5, End: 3},
		}},
		Strategy:   diarize.NewAlternatingStrategy(nil),
		Classifier: keywordClassifier{},
		Store:      store,
	})
	if err != nil {
		t.Fatal(err)
	}
	mux := newMux(t, orch, store)

	samples := make([]float32, 3*audio.CanonicalRate)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(float64(i)/10))
	}
	wav := audio.EncodeWAV(&audio.Waveform{Samples: samples, SampleRate: audio.CanonicalRate})

	rec := serve(mux, multipartRequest(t, "/analyze", "debate.wav", wav, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze status = %d, body %s", rec.Code, rec.Body)
	}
	var res pipeline.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Strategy != diarize.StrategyAlternating || len(res.Segments) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if *res.Segments[1].Speaker != "spk_1" || res.Segments[0].Label != classify.Claim {
		t.Errorf("segments = %+v", res.Segments)
	}

	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/runs/"+res.RunID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("stored run status = %d", rec.Code)
	}
}
