package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"torrentdesk/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Reason  domain.Reason `json:"reason,omitempty"`
}

// writeCommandError maps an orchestrator error onto a status code. The
// reason tells the presentation layer whether to fix the input, retry, or
// retry the torrent itself.
func writeCommandError(w http.ResponseWriter, err error) {
	reason := domain.ReasonOf(err)
	var status int
	var code string
	switch {
	case errors.Is(err, domain.ErrPathEscape):
		status, code = http.StatusBadRequest, "path_escape"
	case errors.Is(err, domain.ErrScheduleConfig):
		status, code = http.StatusBadRequest, "invalid_schedule"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case reason == domain.ReasonInvalidInput:
		status, code = http.StatusBadRequest, "invalid_request"
	case reason == domain.ReasonNotFound:
		status, code = http.StatusNotFound, "not_found"
	case reason == domain.ReasonErrorState:
		status, code = http.StatusConflict, "error_state"
	case errors.Is(err, domain.ErrClosed):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, domain.ErrPersistence):
		status, code = http.StatusServiceUnavailable, "persistence_error"
	default:
		status, code = http.StatusServiceUnavailable, "engine_error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: err.Error(), Reason: reason}})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

const maxJSONBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return false
	}
	return true
}

func saveUploadedFile(src io.Reader, filename, dir string) (string, error) {
	base := strings.TrimSpace(filepath.Base(filename))
	if base == "" || base == "." || base == string(os.PathSeparator) {
		base = "upload.torrent"
	}
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	pattern := prefix + "-*" + ext

	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	out, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		_ = os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// torrentView adds derived fields to a snapshot entry.
type torrentView struct {
	domain.Torrent
	Progress float64 `json:"progress"`
}

func toView(t domain.Torrent) torrentView {
	return torrentView{Torrent: t, Progress: t.Progress()}
}

func toViews(list []domain.Torrent) []torrentView {
	out := make([]torrentView, 0, len(list))
	for _, t := range list {
		out = append(out, toView(t))
	}
	return out
}
