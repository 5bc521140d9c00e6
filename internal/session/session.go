// Package session owns the authoritative registry of torrents. A single loop
// goroutine applies commands, engine events and scheduler ticks in order;
// engine calls and store writes run outside it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"torrentdesk/internal/bandwidth"
	"torrentdesk/internal/domain"
	"torrentdesk/internal/domain/ports"
)

const (
	defaultSchedulerTick       = time.Minute
	defaultReattachTimeout     = 30 * time.Second
	defaultReattachParallelism = 4
	defaultFenceTimeout        = 30 * time.Second
	defaultPersistRetry        = 5 * time.Second
	defaultFlushTimeout        = 5 * time.Second
	noticeHistory              = 50
)

type Options struct {
	// DefaultDownloadPath seeds settings on first run.
	DefaultDownloadPath string
	SchedulerTick       time.Duration
	ReattachTimeout     time.Duration
	ReattachParallelism int64
	// FenceTimeout bounds how long a removed torrent's lane waits for the
	// engine's detached event.
	FenceTimeout         time.Duration
	EngineRetry          RetryConfig
	StoreRetry           RetryConfig
	PersistRetryInterval time.Duration
	FlushTimeout         time.Duration
	Now                  func() time.Time
	Logger               *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SchedulerTick <= 0 {
		o.SchedulerTick = defaultSchedulerTick
	}
	if o.ReattachTimeout <= 0 {
		o.ReattachTimeout = defaultReattachTimeout
	}
	if o.ReattachParallelism <= 0 {
		o.ReattachParallelism = defaultReattachParallelism
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = defaultFenceTimeout
	}
	if o.EngineRetry.MaxAttempts == 0 {
		o.EngineRetry = DefaultEngineRetry()
	}
	if o.StoreRetry.MaxAttempts == 0 {
		o.StoreRetry = DefaultStoreRetry()
	}
	if o.PersistRetryInterval <= 0 {
		o.PersistRetryInterval = defaultPersistRetry
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = defaultFlushTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type entry struct {
	t             domain.Torrent
	lastSeq       uint64
	pathCanonical bool
	// intent holds requested priorities until the file list is known.
	intent        []domain.FilePriority
	removing      bool
	detachSeen    bool
	progressDirty bool
}

type Session struct {
	engine       ports.Engine
	torrents     ports.TorrentRepository
	settingsRepo ports.SettingsRepository
	opts         Options
	logger       *slog.Logger
	tracer       trace.Tracer

	ops      chan func()
	stop     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Owned by the loop goroutine.
	registry         map[domain.InfoHash]*entry
	lanes            map[string]*lane
	fences           map[domain.InfoHash]*time.Timer
	settings         domain.Settings
	settingsReadOnly bool
	gate             bandwidth.Gate

	snapshot     atomic.Pointer[[]domain.Torrent]
	settingsView atomic.Pointer[domain.Settings]
	hub          *hub
	persist      *persister

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func New(engine ports.Engine, torrents ports.TorrentRepository, settings ports.SettingsRepository, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		engine:       engine,
		torrents:     torrents,
		settingsRepo: settings,
		opts:         opts,
		logger:       opts.Logger,
		tracer:       otel.Tracer("torrentdesk/session"),
		ops:          make(chan func(), 64),
		stop:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		registry:     make(map[domain.InfoHash]*entry),
		lanes:        make(map[string]*lane),
		fences:       make(map[domain.InfoHash]*time.Timer),
		hub:          newHub(noticeHistory),
	}
	s.persist = newPersister(torrents, settings, opts.StoreRetry, opts.PersistRetryInterval, opts.Logger, s.notify)
	empty := []domain.Torrent{}
	s.snapshot.Store(&empty)
	return s
}

// Start loads persisted state, starts the loop and re-attaches every
// persisted torrent. It returns once every re-attach has finished or timed
// out.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	if err := s.loadSettings(ctx); err != nil {
		return err
	}
	records, err := s.loadTorrents(ctx)
	if err != nil {
		return err
	}

	s.persist.start()
	go s.run()

	s.reattachAll(ctx, records)
	s.post(func() { s.evaluateLimits(s.opts.Now()) })
	return nil
}

// Close stops the loop, cancels in-flight engine calls and flushes pending
// store writes. The engine and store are left open for their owner.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		close(s.stop)
		if s.started.Load() {
			<-s.loopDone
		}
		s.wg.Wait()
		for _, t := range s.fences {
			t.Stop()
		}
		err = s.persist.close(s.opts.FlushTimeout)
		s.hub.close()
	})
	return err
}

func (s *Session) run() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.SchedulerTick)
	defer ticker.Stop()

	events := s.engine.Events()
	for {
		select {
		case fn := <-s.ops:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.applyEvent(ev)
		case <-ticker.C:
			s.onTick(s.opts.Now())
		case <-s.stop:
			return
		}
	}
}

// post schedules fn on the loop. It reports false once the session is
// closing.
func (s *Session) post(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.stop:
		return false
	}
}

// query runs fn on the loop and waits for it.
func (s *Session) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return domain.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return domain.ErrClosed
	}
}

func (s *Session) checkOpen() error {
	if s.closed.Load() || !s.started.Load() {
		return domain.ErrClosed
	}
	return nil
}
