package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/session"
)

const (
	testHash  = domain.InfoHash("0123456789abcdef0123456789abcdef01234567")
	otherHash = domain.InfoHash("89abcdef0123456789abcdef0123456789abcdef")
)

type fakeOrchestrator struct {
	mu sync.Mutex

	torrents map[domain.InfoHash]domain.Torrent
	settings domain.Settings
	notices  []domain.Notice
	degraded bool
	updates  chan session.Update

	addReq      session.AddRequest
	addErr      error
	commandErr  error
	removed     map[domain.InfoHash]bool
	priorities  map[int]domain.FilePriority
	limits      domain.Limits
	patch       domain.SettingsPatch
	settingsErr error
	calls       []string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		torrents:   make(map[domain.InfoHash]domain.Torrent),
		settings:   domain.DefaultSettings("/downloads"),
		updates:    make(chan session.Update, 16),
		removed:    make(map[domain.InfoHash]bool),
		priorities: make(map[int]domain.FilePriority),
	}
}

func (f *fakeOrchestrator) call(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.commandErr
}

func (f *fakeOrchestrator) Add(ctx context.Context, req session.AddRequest) (domain.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addReq = req
	if f.addErr != nil {
		return domain.Torrent{}, f.addErr
	}
	t := domain.Torrent{InfoHash: testHash, Name: req.DisplayName, State: domain.StateResolving, SavePath: "/downloads"}
	f.torrents[testHash] = t
	return t, nil
}

func (f *fakeOrchestrator) Pause(ctx context.Context, ih domain.InfoHash) error {
	return f.call("pause:" + string(ih))
}

func (f *fakeOrchestrator) Resume(ctx context.Context, ih domain.InfoHash) error {
	return f.call("resume:" + string(ih))
}

func (f *fakeOrchestrator) Remove(ctx context.Context, ih domain.InfoHash, purge bool) error {
	if err := f.call(fmt.Sprintf("remove:%s:%v", ih, purge)); err != nil {
		return err
	}
	f.mu.Lock()
	f.removed[ih] = purge
	f.mu.Unlock()
	return nil
}

func (f *fakeOrchestrator) SetFilePriority(ctx context.Context, ih domain.InfoHash, index int, p domain.FilePriority) error {
	if err := f.call("priority"); err != nil {
		return err
	}
	f.mu.Lock()
	f.priorities[index] = p
	f.mu.Unlock()
	return nil
}

func (f *fakeOrchestrator) SetTorrentLimits(ctx context.Context, ih domain.InfoHash, limits domain.Limits) error {
	if err := f.call("limits"); err != nil {
		return err
	}
	f.mu.Lock()
	f.limits = limits
	f.mu.Unlock()
	return nil
}

func (f *fakeOrchestrator) PauseAll(ctx context.Context) error  { return f.call("pause-all") }
func (f *fakeOrchestrator) ResumeAll(ctx context.Context) error { return f.call("resume-all") }

func (f *fakeOrchestrator) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patch = patch
	if f.settingsErr != nil {
		return domain.Settings{}, f.settingsErr
	}
	if patch.Theme != nil {
		f.settings.Theme = *patch.Theme
	}
	if patch.GlobalDownloadLimit != nil {
		f.settings.GlobalDownloadLimit = *patch.GlobalDownloadLimit
	}
	return f.settings.Clone(), nil
}

func (f *fakeOrchestrator) Snapshot() []domain.Torrent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Torrent, 0, len(f.torrents))
	for _, t := range f.torrents {
		out = append(out, t.Clone())
	}
	return out
}

func (f *fakeOrchestrator) Torrent(ih domain.InfoHash) (domain.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.torrents[ih]
	if !ok {
		return domain.Torrent{}, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeOrchestrator) Settings() domain.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings.Clone()
}

func (f *fakeOrchestrator) Subscribe(buffer int) (<-chan session.Update, func()) {
	return f.updates, func() {}
}

func (f *fakeOrchestrator) Notices() []domain.Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Notice(nil), f.notices...)
}

func (f *fakeOrchestrator) PersistenceDegraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func newTestServer(t *testing.T, orch *fakeOrchestrator, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s := NewServer(orch, opts...)
	t.Cleanup(s.Close)
	return s
}

func doRequest(t *testing.T, h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return env.Error
}

func TestAddTorrentJSON(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body := `{"magnet":"magnet:?xt=urn:btih:` + string(testHash) + `","name":"Movie","savePath":"movies","files":["high","skip"]}`
	rec := doRequest(t, s, http.MethodPost, "/torrents", strings.NewReader(body), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got torrentView
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.InfoHash != testHash || got.State != domain.StateResolving {
		t.Fatalf("response = %+v", got)
	}
	req := orch.addReq
	if req.DisplayName != "Movie" || req.SavePath != "movies" || len(req.Files) != 2 || req.Files[1] != domain.PrioritySkip {
		t.Fatalf("add request = %+v", req)
	}
}

func TestAddTorrentRejectsUnknownFieldsAndBadPriority(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	rec := doRequest(t, s, http.MethodPost, "/torrents", strings.NewReader(`{"url":"x"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/torrents", strings.NewReader(`{"infoHash":"`+string(testHash)+`","files":["urgent"]}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad priority status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/torrents", strings.NewReader("magnet"), "text/plain")
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain status = %d", rec.Code)
	}
}

func TestAddTorrentMultipart(t *testing.T) {
	orch := newFakeOrchestrator()
	uploads := t.TempDir()
	s := newTestServer(t, orch, WithUploadDir(uploads))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("torrent", "album.torrent")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("d4:infode"))
	_ = mw.WriteField("name", "Album")
	_ = mw.WriteField("files", "normal,skip")
	_ = mw.Close()

	rec := doRequest(t, s, http.MethodPost, "/torrents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	req := orch.addReq
	if !strings.HasPrefix(req.TorrentPath, uploads) {
		t.Fatalf("torrent path %q not under upload dir", req.TorrentPath)
	}
	if data, err := os.ReadFile(req.TorrentPath); err != nil || string(data) != "d4:infode" {
		t.Fatalf("uploaded file = %q, %v", data, err)
	}
	if req.DisplayName != "Album" || len(req.Files) != 2 {
		t.Fatalf("add request = %+v", req)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		reason domain.Reason
	}{
		{"path escape", &domain.PathEscapeError{Requested: "../x", Base: "/d"}, http.StatusBadRequest, "path_escape", domain.ReasonInvalidInput},
		{"schedule", &domain.ScheduleConfigError{Index: 1, Field: "start", Reason: "bad"}, http.StatusBadRequest, "invalid_schedule", domain.ReasonInvalidInput},
		{"invalid", fmt.Errorf("%w: bad magnet", domain.ErrInvalidInput), http.StatusBadRequest, "invalid_request", domain.ReasonInvalidInput},
		{"transition", domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition", domain.ReasonInvalidInput},
		{"not found", domain.ErrNotFound, http.StatusNotFound, "not_found", domain.ReasonNotFound},
		{"error state", domain.ErrErrorState, http.StatusConflict, "error_state", domain.ReasonErrorState},
		{"add failed", fmt.Errorf("%w: tracker down", domain.ErrAdd), http.StatusConflict, "error_state", domain.ReasonErrorState},
		{"closed", domain.ErrClosed, http.StatusServiceUnavailable, "unavailable", domain.ReasonTransient},
		{"engine", fmt.Errorf("%w: busy", domain.ErrEngineCommand), http.StatusServiceUnavailable, "engine_error", domain.ReasonTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeCommandError(rec, tt.err)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			got := decodeErrorBody(t, rec)
			if got.Code != tt.code || got.Reason != tt.reason || got.Message == "" {
				t.Fatalf("payload = %+v", got)
			}
		})
	}
}

func TestAddTorrentPathEscapeIs400(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.addErr = &domain.PathEscapeError{Requested: "../../etc", Base: "/downloads"}
	s := newTestServer(t, orch)

	rec := doRequest(t, s, http.MethodPost, "/torrents", strings.NewReader(`{"infoHash":"`+string(testHash)+`","savePath":"../../etc"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got.Code != "path_escape" {
		t.Fatalf("code = %q", got.Code)
	}
}

func TestListAndGetTorrents(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.torrents[testHash] = domain.Torrent{InfoHash: testHash, State: domain.StateDownloading, TotalBytes: 200, DoneBytes: 50,
		Files: []domain.File{{Index: 0, Path: "a", Length: 200, BytesCompleted: 50, Priority: domain.PriorityNormal}}}
	orch.torrents[otherHash] = domain.Torrent{InfoHash: otherHash, State: domain.StatePaused}
	s := newTestServer(t, orch)

	rec := doRequest(t, s, http.MethodGet, "/torrents", nil, "")
	var list torrentList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("count = %d", list.Count)
	}

	rec = doRequest(t, s, http.MethodGet, "/torrents?state=paused", nil, "")
	list = torrentList{}
	_ = json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 || list.Items[0].InfoHash != otherHash {
		t.Fatalf("filtered list = %+v", list)
	}

	rec = doRequest(t, s, http.MethodGet, "/torrents/"+string(testHash), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["progress"] != 0.25 || raw["infoHash"] != string(testHash) {
		t.Fatalf("torrent json = %v", raw)
	}
	if _, leaked := raw["Source"]; leaked {
		t.Fatalf("source leaked into json")
	}

	rec = doRequest(t, s, http.MethodGet, "/torrents/ffffffffffffffffffffffffffffffffffffffff", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/torrents/not-a-hash", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad hash status = %d", rec.Code)
	}
}

func TestPauseResumeRemove(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.torrents[testHash] = domain.Torrent{InfoHash: testHash, State: domain.StatePaused}
	s := newTestServer(t, orch)
	base := "/torrents/" + string(testHash)

	if rec := doRequest(t, s, http.MethodPost, base+"/pause", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, base+"/resume", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, base+"/pause", nil, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause status = %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodDelete, base+"?purge=true", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if purge, ok := orch.removed[testHash]; !ok || !purge {
		t.Fatalf("remove not called with purge: %v", orch.removed)
	}
	if rec := doRequest(t, s, http.MethodDelete, base+"?purge=maybe", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad purge status = %d", rec.Code)
	}

	orch.commandErr = domain.ErrErrorState
	rec := doRequest(t, s, http.MethodPost, base+"/pause", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("pause in error status = %d", rec.Code)
	}
}

func TestSetFilePriorityAndLimits(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.torrents[testHash] = domain.Torrent{InfoHash: testHash, State: domain.StateDownloading}
	s := newTestServer(t, orch)
	base := "/torrents/" + string(testHash)

	rec := doRequest(t, s, http.MethodPut, base+"/files/2/priority", strings.NewReader(`{"priority":"high"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("priority status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if orch.priorities[2] != domain.PriorityHigh {
		t.Fatalf("priorities = %v", orch.priorities)
	}
	rec = doRequest(t, s, http.MethodPut, base+"/files/x/priority", strings.NewReader(`{"priority":"high"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad index status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPut, base+"/files/0/priority", strings.NewReader(`{"priority":"urgent"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad priority status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPut, base+"/limits", strings.NewReader(`{"dl":512,"ul":64}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("limits status = %d", rec.Code)
	}
	if orch.limits != (domain.Limits{Download: 512, Upload: 64}) {
		t.Fatalf("limits = %+v", orch.limits)
	}
}

func TestBulkCommands(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	for _, path := range []string{"/torrents/pause-all", "/torrents/resume-all"} {
		if rec := doRequest(t, s, http.MethodPost, path, nil, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
	if len(orch.calls) != 2 || orch.calls[0] != "pause-all" || orch.calls[1] != "resume-all" {
		t.Fatalf("calls = %v", orch.calls)
	}
	if rec := doRequest(t, s, http.MethodGet, "/torrents/pause-all", nil, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause-all status = %d", rec.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	rec := doRequest(t, s, http.MethodGet, "/settings", nil, "")
	var got domain.Settings
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DownloadPath != "/downloads" || got.Theme != domain.ThemeDark {
		t.Fatalf("settings = %+v", got)
	}

	rec = doRequest(t, s, http.MethodPatch, "/settings", strings.NewReader(`{"theme":"light","global_download_limit":300}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if orch.patch.Theme == nil || *orch.patch.Theme != domain.ThemeLight || *orch.patch.GlobalDownloadLimit != 300 {
		t.Fatalf("patch = %+v", orch.patch)
	}

	rec = doRequest(t, s, http.MethodPatch, "/settings", strings.NewReader(`{}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch status = %d", rec.Code)
	}

	orch.settingsErr = &domain.ScheduleConfigError{Index: 0, Field: "start", Value: "25:00", Reason: "hour out of range"}
	rec = doRequest(t, s, http.MethodPatch, "/settings", strings.NewReader(`{"bandwidth_schedules":[{"start":"25:00","end":"07:00","dl":1,"ul":1}]}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad schedule status = %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got.Code != "invalid_schedule" {
		t.Fatalf("code = %q", got.Code)
	}
}

func TestNoticesEndpoint(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.notices = []domain.Notice{{Kind: domain.NoticePersistenceDegraded, Message: "disk full"}}
	orch.degraded = true
	s := newTestServer(t, orch)

	rec := doRequest(t, s, http.MethodGet, "/notices", nil, "")
	var got noticesResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.PersistenceDegraded || len(got.Items) != 1 {
		t.Fatalf("notices = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newFakeOrchestrator())
	rec := doRequest(t, s, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestPanicInOrchestratorIsRecovered(t *testing.T) {
	s := newTestServer(t, newFakeOrchestrator())
	s.orch = panicOrchestrator{s.orch}
	rec := doRequest(t, s, http.MethodGet, "/torrents", nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got.Code != "internal_error" {
		t.Fatalf("code = %q", got.Code)
	}
}

type panicOrchestrator struct{ Orchestrator }

func (panicOrchestrator) Snapshot() []domain.Torrent { panic(errors.New("boom")) }
