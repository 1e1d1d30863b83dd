package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func passing(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// serve mounts h on a fresh mux and performs one GET.
func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var body result
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: decode %q: %v", path, rec.Body.String(), err)
	}
	return rec, body
}

func TestHealth_BodyIsExactlyHealthy(t *testing.T) {
	// The classifier is down, but /health only reports that the process serves.
	h := New(Checker{Name: "classifier", Check: failing("artifact not loaded")})
	rec, _ := serve(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"healthy"}` {
		t.Errorf("body = %s", got)
	}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	h := New(Checker{Name: "run_store", Check: failing("connection refused")})
	rec, body := serve(t, h, "/healthz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", rec.Code, body.Status)
	}
	if len(body.Checks) != 0 {
		t.Errorf("liveness should not report checks: %v", body.Checks)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{},
		},
		{
			name: "classifier and extractor ready",
			checkers: []Checker{
				{Name: "classifier", Check: passing},
				{Name: "learned_extractor", Check: passing},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"classifier": "ok", "learned_extractor": "ok"},
		},
		{
			name: "every transcription backend open",
			checkers: []Checker{
				{Name: "classifier", Check: passing},
				{Name: "transcriber", Check: failing("all transcription backends unavailable")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"classifier":  "ok",
				"transcriber": "fail: all transcription backends unavailable",
			},
		},
		{
			name: "store and extractor down",
			checkers: []Checker{
				{Name: "run_store", Check: failing("ping: timeout")},
				{Name: "spectral_extractor", Check: failing("circuit open")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"run_store":          "fail: ping: timeout",
				"spectral_extractor": "fail: circuit open",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, New(tt.checkers...), "/readyz")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestNew_CopiesCheckers(t *testing.T) {
	checkers := []Checker{{Name: "classifier", Check: passing}}
	h := New(checkers...)
	checkers[0].Check = failing("mutated")

	if rec, _ := serve(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "run_store", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), context.Canceled.Error()) {
		t.Errorf("body should name the cancellation: %s", rec.Body.String())
	}
}

func TestReadyz_RunsCheckersConcurrently(t *testing.T) {
	// Each checker waits for the other to start; sequential evaluation would
	// only finish by hitting the check timeout.
	var started sync.WaitGroup
	started.Add(2)
	rendezvous := func(context.Context) error {
		started.Done()
		started.Wait()
		return nil
	}
	h := New(
		Checker{Name: "run_store", Check: rendezvous},
		Checker{Name: "transcriber", Check: rendezvous},
	)

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()

	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Errorf("status = %d, want 200", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("checkers did not run concurrently")
	}
}
