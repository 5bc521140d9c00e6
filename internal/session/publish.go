package session

import (
	"sort"
	"sync"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/metrics"
)

type UpdateKind string

const (
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateNotice   UpdateKind = "notice"
)

// Update is delivered to subscribers. Snapshot updates carry the full
// registry, so a dropped one is repaired by the next.
type Update struct {
	Kind     UpdateKind       `json:"type"`
	Torrents []domain.Torrent `json:"torrents,omitempty"`
	Notice   *domain.Notice   `json:"notice,omitempty"`
}

type hub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Update
	notices []domain.Notice
	limit   int
	closed  bool
}

func newHub(limit int) *hub {
	return &hub{subs: make(map[int]chan Update), limit: limit}
}

// subscribe registers a channel, seeding it with initial when non-nil.
func (h *hub) subscribe(buffer int, initial *Update) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	if initial != nil {
		ch <- *initial
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// broadcast never blocks; a subscriber with a full buffer misses u.
func (h *hub) broadcast(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u.Kind == UpdateNotice && u.Notice != nil {
		h.notices = append(h.notices, *u.Notice)
		if len(h.notices) > h.limit {
			h.notices = h.notices[len(h.notices)-h.limit:]
		}
	}
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *hub) history() []domain.Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Notice(nil), h.notices...)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// publish rebuilds the snapshot from the registry. Loop only.
func (s *Session) publish() {
	list := make([]domain.Torrent, 0, len(s.registry))
	counts := make(map[domain.State]int)
	var dl, ul int64
	peers := 0
	for _, e := range s.registry {
		list = append(list, e.t.Clone())
		counts[e.t.State]++
		dl += e.t.DownloadRate
		ul += e.t.UploadRate
		peers += e.t.Peers
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].InfoHash < list[j].InfoHash
	})
	s.snapshot.Store(&list)

	for _, st := range []domain.State{domain.StateResolving, domain.StateDownloading, domain.StateSeeding, domain.StatePaused, domain.StateError} {
		metrics.TorrentsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	metrics.DownloadSpeedBytes.Set(float64(dl))
	metrics.UploadSpeedBytes.Set(float64(ul))
	metrics.PeersConnected.Set(float64(peers))

	out := make([]domain.Torrent, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	s.hub.broadcast(Update{Kind: UpdateSnapshot, Torrents: out})
}

// notify publishes a notice. Safe from any goroutine.
func (s *Session) notify(n domain.Notice) {
	if n.At.IsZero() {
		n.At = s.opts.Now().UTC()
	}
	s.hub.broadcast(Update{Kind: UpdateNotice, Notice: &n})
}

func (s *Session) publishSettings() {
	view := s.settings.Clone()
	s.settingsView.Store(&view)
}

// Snapshot returns a deep copy of the registry ordered by creation time.
func (s *Session) Snapshot() []domain.Torrent {
	list := *s.snapshot.Load()
	out := make([]domain.Torrent, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}

// Torrent returns one torrent from the latest snapshot.
func (s *Session) Torrent(ih domain.InfoHash) (domain.Torrent, error) {
	for _, t := range *s.snapshot.Load() {
		if t.InfoHash == ih {
			return t.Clone(), nil
		}
	}
	return domain.Torrent{}, domain.ErrNotFound
}

// Settings returns the current settings.
func (s *Session) Settings() domain.Settings {
	v := s.settingsView.Load()
	if v == nil {
		return domain.DefaultSettings(s.opts.DefaultDownloadPath)
	}
	return v.Clone()
}

// Subscribe returns a channel of updates that is closed by the returned
// cancel func or by Close. The current snapshot is delivered first.
func (s *Session) Subscribe(buffer int) (<-chan Update, func()) {
	return s.hub.subscribe(buffer, &Update{Kind: UpdateSnapshot, Torrents: s.Snapshot()})
}

// Notices returns the most recent notices, oldest first.
func (s *Session) Notices() []domain.Notice {
	return s.hub.history()
}

// PersistenceDegraded reports whether store writes are currently failing.
func (s *Session) PersistenceDegraded() bool {
	return s.persist.isDegraded()
}
