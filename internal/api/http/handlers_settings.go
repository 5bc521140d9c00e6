package apihttp

import (
	"context"
	"net/http"

	"torrentdesk/internal/domain"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.orch.Settings())
	case http.MethodPatch, http.MethodPut:
		s.handleUpdateSettings(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch domain.SettingsPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "invalid_request", "no settings to update")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	updated, err := s.orch.UpdateSettings(ctx, patch)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type noticesResponse struct {
	Items               []domain.Notice `json:"items"`
	PersistenceDegraded bool            `json:"persistenceDegraded"`
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items := s.orch.Notices()
	if items == nil {
		items = []domain.Notice{}
	}
	writeJSON(w, http.StatusOK, noticesResponse{Items: items, PersistenceDegraded: s.orch.PersistenceDegraded()})
}
