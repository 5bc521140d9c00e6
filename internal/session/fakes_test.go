package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"torrentdesk/internal/domain"
)

const (
	hashA = domain.InfoHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hashB = domain.InfoHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	hashC = domain.InfoHash("cccccccccccccccccccccccccccccccccccccccc")
)

type fakeEngine struct {
	mu       sync.Mutex
	events   chan domain.EngineEvent
	seq      map[domain.Handle]uint64
	attached map[domain.Handle]string
	calls    []string

	addErr       error
	addFailures  int
	blockAdd     map[domain.Handle]bool
	pauseErr     error
	pauseGate    chan struct{}
	removeErr    error
	holdDetached bool
	globalLimits []domain.Limits
	torrentLimit map[domain.Handle]domain.Limits
	priorities   map[domain.Handle]map[int]domain.FilePriority
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events:       make(chan domain.EngineEvent, 256),
		seq:          make(map[domain.Handle]uint64),
		attached:     make(map[domain.Handle]string),
		blockAdd:     make(map[domain.Handle]bool),
		torrentLimit: make(map[domain.Handle]domain.Limits),
		priorities:   make(map[domain.Handle]map[int]domain.FilePriority),
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeEngine) AddTorrent(ctx context.Context, src domain.Source, savePath string, files []domain.FilePriority) (domain.Handle, error) {
	f.record("add:" + string(src.InfoHash))
	f.mu.Lock()
	block := f.blockAdd[src.InfoHash]
	err := f.addErr
	if f.addFailures > 0 {
		f.addFailures--
		err = errors.New("engine busy")
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.attached[src.InfoHash] = savePath
	f.mu.Unlock()
	return src.InfoHash, nil
}

func (f *fakeEngine) RemoveTorrent(ctx context.Context, h domain.Handle, purge bool) error {
	f.record(fmt.Sprintf("remove:%s:%v", h, purge))
	f.mu.Lock()
	if f.removeErr != nil {
		err := f.removeErr
		f.mu.Unlock()
		return err
	}
	_, ok := f.attached[h]
	delete(f.attached, h)
	hold := f.holdDetached
	f.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	if !hold {
		f.emit(h, domain.EventDetached, nil)
	}
	return nil
}

func (f *fakeEngine) Pause(ctx context.Context, h domain.Handle) error {
	f.record("pause:" + string(h))
	f.mu.Lock()
	gate := f.pauseGate
	err := f.pauseErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeEngine) Resume(ctx context.Context, h domain.Handle) error {
	f.record("resume:" + string(h))
	return nil
}

func (f *fakeEngine) SetFilePriority(ctx context.Context, h domain.Handle, index int, p domain.FilePriority) error {
	f.record(fmt.Sprintf("priority:%s:%d:%s", h, index, p))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priorities[h] == nil {
		f.priorities[h] = make(map[int]domain.FilePriority)
	}
	f.priorities[h][index] = p
	return nil
}

func (f *fakeEngine) SetGlobalLimits(ctx context.Context, dl, ul int64) error {
	f.record(fmt.Sprintf("global:%d:%d", dl, ul))
	f.mu.Lock()
	f.globalLimits = append(f.globalLimits, domain.Limits{Download: dl, Upload: ul})
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) SetTorrentLimits(ctx context.Context, h domain.Handle, dl, ul int64) error {
	f.record(fmt.Sprintf("limits:%s:%d:%d", h, dl, ul))
	f.mu.Lock()
	f.torrentLimit[h] = domain.Limits{Download: dl, Upload: ul}
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) StatusSnapshot(ctx context.Context, h domain.Handle) (domain.EngineStatus, error) {
	return domain.EngineStatus{}, nil
}

func (f *fakeEngine) Events() <-chan domain.EngineEvent { return f.events }

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) emit(h domain.Handle, kind domain.EventKind, payload any) uint64 {
	f.mu.Lock()
	f.seq[h]++
	seq := f.seq[h]
	f.mu.Unlock()
	f.events <- domain.EngineEvent{Handle: h, Seq: seq, Kind: kind, Payload: payload}
	return seq
}

func (f *fakeEngine) send(ev domain.EngineEvent) {
	f.events <- ev
}

func (f *fakeEngine) lastGlobal() (domain.Limits, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.globalLimits) == 0 {
		return domain.Limits{}, false
	}
	return f.globalLimits[len(f.globalLimits)-1], true
}

type memStore struct {
	mu            sync.Mutex
	records       map[domain.InfoHash]domain.TorrentRecord
	issues        []domain.LoadIssue
	settings      *domain.Settings
	settingsErr   error
	failWrites    bool
	settingsSaves int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[domain.InfoHash]domain.TorrentRecord)}
}

func (m *memStore) LoadTorrents(ctx context.Context) ([]domain.TorrentRecord, []domain.LoadIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TorrentRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, append([]domain.LoadIssue(nil), m.issues...), nil
}

func (m *memStore) SaveTorrent(ctx context.Context, rec domain.TorrentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk full")
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	m.records[rec.InfoHash] = rec
	return nil
}

func (m *memStore) DeleteTorrent(ctx context.Context, ih domain.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk full")
	}
	delete(m.records, ih)
	return nil
}

func (m *memStore) LoadSettings(ctx context.Context) (domain.Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settingsErr != nil {
		return domain.Settings{}, false, m.settingsErr
	}
	if m.settings == nil {
		return domain.Settings{}, false, nil
	}
	return m.settings.Clone(), true, nil
}

func (m *memStore) SaveSettings(ctx context.Context, s domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk full")
	}
	c := s.Clone()
	m.settings = &c
	m.settingsSaves++
	return nil
}

func (m *memStore) setFail(v bool) {
	m.mu.Lock()
	m.failWrites = v
	m.mu.Unlock()
}

func (m *memStore) record(ih domain.InfoHash) (domain.TorrentRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[ih]
	return r, ok
}

func (m *memStore) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settingsSaves
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		DefaultDownloadPath:  t.TempDir(),
		SchedulerTick:        time.Hour,
		ReattachTimeout:      time.Second,
		FenceTimeout:         5 * time.Second,
		EngineRetry:          RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		StoreRetry:           RetryConfig{MaxAttempts: 1},
		PersistRetryInterval: 10 * time.Millisecond,
		FlushTimeout:         time.Second,
		Logger:               discardLogger(),
	}
}

func startSession(t *testing.T, eng *fakeEngine, store *memStore, opts Options) *Session {
	t.Helper()
	s := New(eng, store, store, opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateOf(s *Session, ih domain.InfoHash) domain.State {
	t, err := s.Torrent(ih)
	if err != nil {
		return ""
	}
	return t.State
}

func hasNotice(s *Session, kind domain.NoticeKind) bool {
	for _, n := range s.Notices() {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func twoFileMetadata(name string) domain.MetadataPayload {
	return domain.MetadataPayload{
		Name:       name,
		TotalBytes: 300,
		Files: []domain.File{
			{Index: 0, Path: name + "/a.bin", Offset: 0, Length: 100, Priority: domain.PriorityNormal},
			{Index: 1, Path: name + "/b.bin", Offset: 100, Length: 200, Priority: domain.PriorityNormal},
		},
		Metainfo: []byte("d4:infod4:name1:xee"),
	}
}
