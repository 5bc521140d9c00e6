package apihttp

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/session"
)

const commandTimeout = 30 * time.Second

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAddTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type torrentList struct {
	Items []torrentView `json:"items"`
	Count int           `json:"count"`
}

func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	items := toViews(s.orch.Snapshot())
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		filtered := items[:0]
		for _, t := range items {
			if string(t.State) == raw {
				filtered = append(filtered, t)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, torrentList{Items: items, Count: len(items)})
}

type addTorrentRequest struct {
	Magnet      string   `json:"magnet,omitempty"`
	TorrentPath string   `json:"torrentPath,omitempty"`
	InfoHash    string   `json:"infoHash,omitempty"`
	Trackers    []string `json:"trackers,omitempty"`
	Name        string   `json:"name,omitempty"`
	SavePath    string   `json:"savePath,omitempty"`
	Files       []string `json:"files,omitempty"`
}

func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	var body addTorrentRequest
	switch mediaType {
	case "application/json":
		if !decodeJSON(w, r, &body) {
			return
		}
	case "multipart/form-data":
		const maxMemory = 5 << 20
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("torrent")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "missing torrent file")
			return
		}
		defer file.Close()
		path, err := saveUploadedFile(file, header.Filename, s.uploadDir)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to store torrent file")
			return
		}
		body.TorrentPath = path
		body.Name = r.FormValue("name")
		body.SavePath = r.FormValue("savePath")
		if files := strings.TrimSpace(r.FormValue("files")); files != "" {
			body.Files = strings.Split(files, ",")
		}
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type")
		return
	}

	req := session.AddRequest{
		Magnet:      body.Magnet,
		TorrentPath: body.TorrentPath,
		InfoHash:    body.InfoHash,
		Trackers:    body.Trackers,
		DisplayName: body.Name,
		SavePath:    body.SavePath,
	}
	for _, raw := range body.Files {
		p, err := domain.ParseFilePriority(raw)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		req.Files = append(req.Files, p)
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	t, err := s.orch.Add(ctx, req)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toView(t))
}

func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/torrents/"), "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	switch path {
	case "pause-all", "resume-all":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleBulk(w, r, path)
		return
	}

	parts := strings.Split(path, "/")
	ih, err := domain.ParseInfoHash(parts[0])
	if err != nil {
		writeCommandError(w, err)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetTorrent(w, r, ih)
		case http.MethodDelete:
			s.handleRemoveTorrent(w, r, ih)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && (parts[1] == "pause" || parts[1] == "resume"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handlePauseResume(w, r, ih, parts[1])
	case len(parts) == 2 && parts[1] == "limits":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSetLimits(w, r, ih)
	case len(parts) == 4 && parts[1] == "files" && parts[3] == "priority":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
			return
		}
		s.handleSetFilePriority(w, r, ih, index)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request, ih domain.InfoHash) {
	t, err := s.orch.Torrent(ih)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(t))
}

func (s *Server) handleRemoveTorrent(w http.ResponseWriter, r *http.Request, ih domain.InfoHash) {
	purge := false
	if raw := strings.TrimSpace(r.URL.Query().Get("purge")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "purge must be a boolean")
			return
		}
		purge = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.orch.Remove(ctx, ih, purge); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseResume(w http.ResponseWriter, r *http.Request, ih domain.InfoHash, action string) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	var err error
	if action == "pause" {
		err = s.orch.Pause(ctx, ih)
	} else {
		err = s.orch.Resume(ctx, ih)
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	s.handleGetTorrent(w, r, ih)
}

type filePriorityRequest struct {
	Priority string `json:"priority"`
}

func (s *Server) handleSetFilePriority(w http.ResponseWriter, r *http.Request, ih domain.InfoHash, index int) {
	var body filePriorityRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	p, err := domain.ParseFilePriority(body.Priority)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.orch.SetFilePriority(ctx, ih, index, p); err != nil {
		writeCommandError(w, err)
		return
	}
	s.handleGetTorrent(w, r, ih)
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request, ih domain.InfoHash) {
	var body domain.Limits
	if !decodeJSON(w, r, &body) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.orch.SetTorrentLimits(ctx, ih, body); err != nil {
		writeCommandError(w, err)
		return
	}
	s.handleGetTorrent(w, r, ih)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, action string) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	var err error
	if action == "pause-all" {
		err = s.orch.PauseAll(ctx)
	} else {
		err = s.orch.ResumeAll(ctx)
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	items := toViews(s.orch.Snapshot())
	writeJSON(w, http.StatusOK, torrentList{Items: items, Count: len(items)})
}
