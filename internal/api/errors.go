package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/endill/internal/observe"
	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/diarize/cluster"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps a pipeline error to an HTTP status and a client-facing
// message. Unrecognised errors become a generic 500 so internals do not leak.
func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, audio.ErrEmptyAudio):
		return http.StatusBadRequest, "uploaded audio is empty"
	case errors.Is(err, classify.ErrEmptyInput):
		return http.StatusBadRequest, "text must not be empty"
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, cluster.ErrClustering), errors.Is(err, embeddings.ErrFeatureExtraction):
		return http.StatusUnprocessableEntity, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// writeFailure logs err and writes the mapped error response.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	observe.Logger(r.Context()).Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status", status,
		"err", err,
	)
	writeError(w, status, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "err", err)
	}
}
