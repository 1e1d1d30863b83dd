package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/endill/internal/observe"
	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/pkg/diarize"
)

// multipartMemory is how much of a multipart body is buffered in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// upload is a parsed audio upload request.
type upload struct {
	file     multipart.File
	name     string
	speakers int
}

// readUpload parses the multipart "file" field and the optional "speakers"
// field. On failure it writes the error response and returns false. The
// caller must close the file and remove the multipart temp files.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	s.limitBody(w, r)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, r, err)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return nil, false
	}
	if header.Size == 0 {
		file.Close()
		writeError(w, http.StatusBadRequest, "uploaded file is empty")
		return nil, false
	}

	up := &upload{file: file, name: header.Filename}
	if v := strings.TrimSpace(r.FormValue("speakers")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			file.Close()
			writeError(w, http.StatusBadRequest, "speakers must be a positive integer")
			return nil, false
		}
		up.speakers = n
	}
	return up, true
}

func cleanupMultipart(r *http.Request, up *upload) {
	up.file.Close()
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}

type diarizeResponse struct {
	Segments []diarize.Segment `json:"segments"`
}

func (s *Server) handleDiarize(w http.ResponseWriter, r *http.Request) {
	up, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanupMultipart(r, up)

	segs, err := s.analyzer.Diarize(r.Context(), up.file, up.name, up.speakers)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diarizeResponse{Segments: segs})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	up, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanupMultipart(r, up)

	res, err := s.analyzer.Analyze(r.Context(), up.file, up.name, pipeline.Options{Speakers: up.speakers})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type predictRequest struct {
	Text string `json:"text"`
}

type predictResponse struct {
	Label string `json:"label"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "expected a JSON body with a text field")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	label, err := s.analyzer.Classify(r.Context(), req.Text)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Label: string(label)})
}

// ─────────────────────────────────────────────────────────────────────────────
// Stored runs
// ─────────────────────────────────────────────────────────────────────────────

// lookupRun fetches the run named by the {id} path value, writing a 404 or
// 500 response on failure.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*pipeline.Result, bool) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	res, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		writeFailure(w, r, err)
		return nil, false
	}
	return res, true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs := []runstore.Summary{}
	if s.runs != nil {
		list, err := s.runs.List(r.Context(), limit)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		runs = append(runs, list...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if res, ok := s.lookupRun(w, r); ok {
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.RunID+`.json"`)
	if err := runstore.WriteJSON(w, res); err != nil {
		observe.Logger(r.Context()).Warn("json export interrupted", "run_id", res.RunID, "err", err)
	}
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.RunID+`.csv"`)
	if err := runstore.WriteCSV(w, res); err != nil {
		observe.Logger(r.Context()).Warn("csv export interrupted", "run_id", res.RunID, "err", err)
	}
}

// handleSimilarSpeakers lists speakers from other stored runs whose argument
// profile is closest to the named speaker's.
func (s *Server) handleSimilarSpeakers(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	speaker := r.PathValue("speaker")
	var profile []float32
	for _, sp := range res.Speakers {
		if sp.Speaker == speaker {
			profile = sp.Profile
			break
		}
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "speaker not found in run")
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	// One extra row because the speaker itself is always its own nearest match.
	matches, err := s.runs.SimilarSpeakers(r.Context(), profile, limit+1)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]runstore.SpeakerMatch, 0, limit)
	for _, m := range matches {
		if m.RunID == res.RunID && m.Speaker == speaker {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}
