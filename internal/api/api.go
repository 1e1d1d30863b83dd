// Package api exposes the Endill pipeline over HTTP.
//
// Routes (each also reachable under the /api prefix used by the web UI):
//
//	POST /diarize                      multipart "file" (+ "speakers") → {"segments": [...]}
//	POST /analyze                      multipart "file" (+ "speakers") → full run
//	POST /predict, /analyze-text       {"text": "..."} → {"label": "..."}
//	GET  /runs                         stored run summaries, newest first
//	GET  /runs/{id}                    one stored run
//	GET  /runs/{id}/export.json|.csv   run download
//	GET  /runs/{id}/speakers/{speaker}/similar
//
// The text classification routes are additionally mounted under /api/adm.
// Errors are JSON objects of the form {"error": "..."}.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/diarize"
)

// DefaultMaxUploadBytes caps request bodies when no limit is configured.
const DefaultMaxUploadBytes = 64 << 20

// Analyzer is the pipeline surface the API serves.
// [*pipeline.Orchestrator] satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, r io.Reader, name string, opts pipeline.Options) (*pipeline.Result, error)
	Diarize(ctx context.Context, r io.Reader, name string, speakers int) ([]diarize.Segment, error)
	Classify(ctx context.Context, text string) (classify.Label, error)
}

var _ Analyzer = (*pipeline.Orchestrator)(nil)

// Server holds the HTTP handlers. Create one with [New] and mount it with
// [Server.Register].
type Server struct {
	analyzer       Analyzer
	runs           runstore.Store
	maxUploadBytes int64
}

// Option configures a [Server].
type Option func(*Server)

// WithMaxUploadBytes caps request bodies at n bytes.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// New returns a Server over analyzer. runs serves the /runs routes; when nil
// those routes answer 404 for every id.
func New(analyzer Analyzer, runs runstore.Store, opts ...Option) *Server {
	s := &Server{
		analyzer:       analyzer,
		runs:           runs,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	for _, prefix := range []string{"", "/api"} {
		mux.HandleFunc("POST "+prefix+"/diarize", s.handleDiarize)
		mux.HandleFunc("POST "+prefix+"/analyze", s.handleAnalyze)
		mux.HandleFunc("GET "+prefix+"/runs", s.handleListRuns)
		mux.HandleFunc("GET "+prefix+"/runs/{id}", s.handleGetRun)
		mux.HandleFunc("GET "+prefix+"/runs/{id}/export.json", s.handleExportJSON)
		mux.HandleFunc("GET "+prefix+"/runs/{id}/export.csv", s.handleExportCSV)
		mux.HandleFunc("GET "+prefix+"/runs/{id}/speakers/{speaker}/similar", s.handleSimilarSpeakers)
	}
	for _, prefix := range []string{"", "/api/adm"} {
		mux.HandleFunc("POST "+prefix+"/predict", s.handlePredict)
		mux.HandleFunc("POST "+prefix+"/analyze-text", s.handlePredict)
	}
}

// limitBody applies the upload cap to r.
func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
}
