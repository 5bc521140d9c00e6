package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"golang.org/x/time/rate"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/domain/ports"
)

var ErrAttachmentNotFound = domain.ErrNotFound

// defaultMaxConns is the value restored when resuming a hard-paused torrent.
const defaultMaxConns = 35

const (
	addTimeout             = 10 * time.Second
	defaultPollInterval    = time.Second
	defaultMetadataTimeout = 10 * time.Minute
	eventBuffer            = 256
	// minLimiterBurst keeps the burst above one request chunk so a low
	// limit cannot stall a piece request forever.
	minLimiterBurst = 64 << 10
)

type Config struct {
	DataDir         string
	ListenPort      int
	NoDHT           bool
	DisableTrackers bool
	PollInterval    time.Duration
	MetadataTimeout time.Duration // 0 = defaultMetadataTimeout
	Logger          *slog.Logger
}

// Engine adapts an anacrolix client to ports.Engine. It keeps one attachment
// per infohash and owns nothing the session cannot rebuild.
type Engine struct {
	client     *torrent.Client
	completion storage.PieceCompletion
	logger     *slog.Logger

	dlLimiter *rate.Limiter
	ulLimiter *rate.Limiter

	pollInterval    time.Duration
	metadataTimeout time.Duration

	mu          sync.Mutex
	attachments map[domain.Handle]*attachment
	closed      bool

	seqMu sync.Mutex
	seq   map[domain.Handle]uint64

	events  chan domain.EngineEvent
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ ports.Engine = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	clientConfig.ListenPort = cfg.ListenPort
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.DisableTrackers = cfg.DisableTrackers
	clientConfig.Seed = true

	dl := rate.NewLimiter(rate.Inf, minLimiterBurst)
	ul := rate.NewLimiter(rate.Inf, minLimiterBurst)
	clientConfig.DownloadRateLimiter = dl
	clientConfig.UploadRateLimiter = ul

	completion, err := storage.NewDefaultPieceCompletionForDir(clientConfig.DataDir)
	if err != nil {
		return nil, fmt.Errorf("piece completion store: %w", err)
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		_ = completion.Close()
		return nil, err
	}

	e := newEngine(cfg)
	e.client = client
	e.completion = completion
	e.dlLimiter = dl
	e.ulLimiter = ul
	return e, nil
}

func newEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	metaTimeout := cfg.MetadataTimeout
	if metaTimeout <= 0 {
		metaTimeout = defaultMetadataTimeout
	}
	return &Engine{
		logger:          logger,
		pollInterval:    poll,
		metadataTimeout: metaTimeout,
		attachments:     make(map[domain.Handle]*attachment),
		seq:             make(map[domain.Handle]uint64),
		events:          make(chan domain.EngineEvent, eventBuffer),
		closing:         make(chan struct{}),
	}
}

func (e *Engine) Events() <-chan domain.EngineEvent {
	return e.events
}

// AddTorrent attaches a torrent or, when the infohash is already attached,
// re-applies file priorities and clears a pause. The save path of an existing
// attachment cannot change.
func (e *Engine) AddTorrent(ctx context.Context, src domain.Source, savePath string, files []domain.FilePriority) (domain.Handle, error) {
	if e.client == nil {
		return "", fmt.Errorf("%w: torrent client not configured", domain.ErrAdd)
	}
	spec, err := specFromSource(src)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAdd, err)
	}
	h := src.InfoHash

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", domain.ErrClosed
	}
	if a, ok := e.attachments[h]; ok && !a.dead() {
		e.mu.Unlock()
		a.reset(files)
		return h, nil
	}
	e.mu.Unlock()

	spec.Storage = storage.NewFileWithCompletion(savePath, e.completion)
	t, err := e.addSpec(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAdd, err)
	}

	a := newAttachment(e, h, t, savePath, files)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		t.Drop()
		return "", domain.ErrClosed
	}
	if prev, ok := e.attachments[h]; ok && !prev.dead() {
		// Lost a race with another add for the same infohash.
		e.mu.Unlock()
		prev.reset(files)
		return h, nil
	}
	e.attachments[h] = a
	e.wg.Add(1)
	e.mu.Unlock()

	go a.watch()
	return h, nil
}

// addSpec runs AddTorrentSpec with a timeout so a busy client cannot block
// the caller indefinitely.
func (e *Engine) addSpec(ctx context.Context, spec *torrent.TorrentSpec) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, _, err := e.client.AddTorrentSpec(spec)
		ch <- addResult{t, err}
	}()

	dropLate := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}
	select {
	case res := <-ch:
		return res.t, res.err
	case <-time.After(addTimeout):
		dropLate()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		dropLate()
		return nil, ctx.Err()
	}
}

// RemoveTorrent detaches the torrent. The attachment's final event is
// EventDetached, emitted after the torrent has been dropped from the client
// and, when requested, its payload deleted.
func (e *Engine) RemoveTorrent(ctx context.Context, h domain.Handle, purgeData bool) error {
	e.mu.Lock()
	a, ok := e.attachments[h]
	if ok {
		delete(e.attachments, h)
	}
	e.mu.Unlock()
	if !ok {
		return ErrAttachmentNotFound
	}
	a.stop(purgeData)
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Pause(ctx context.Context, h domain.Handle) error {
	a := e.attachment(h)
	if a == nil {
		return ErrAttachmentNotFound
	}
	a.setPaused(true)
	return nil
}

func (e *Engine) Resume(ctx context.Context, h domain.Handle) error {
	a := e.attachment(h)
	if a == nil {
		return ErrAttachmentNotFound
	}
	a.setPaused(false)
	return nil
}

func (e *Engine) SetFilePriority(ctx context.Context, h domain.Handle, fileIndex int, p domain.FilePriority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: priority %q", domain.ErrInvalidInput, p)
	}
	a := e.attachment(h)
	if a == nil {
		return ErrAttachmentNotFound
	}
	return a.setFilePriority(fileIndex, p)
}

// SetGlobalLimits retunes the client-wide limiters. Values are KiB/s.
func (e *Engine) SetGlobalLimits(ctx context.Context, downloadKiB, uploadKiB int64) error {
	if downloadKiB < 0 || uploadKiB < 0 {
		return fmt.Errorf("%w: limits must not be negative", domain.ErrInvalidInput)
	}
	if e.dlLimiter == nil || e.ulLimiter == nil {
		return errors.New("rate limiters not configured")
	}
	applyLimit(e.dlLimiter, downloadKiB)
	applyLimit(e.ulLimiter, uploadKiB)
	e.logger.Info("global limits applied",
		slog.Int64("downloadKiB", downloadKiB),
		slog.Int64("uploadKiB", uploadKiB),
	)
	return nil
}

func (e *Engine) SetTorrentLimits(ctx context.Context, h domain.Handle, downloadKiB, uploadKiB int64) error {
	if downloadKiB < 0 || uploadKiB < 0 {
		return fmt.Errorf("%w: limits must not be negative", domain.ErrInvalidInput)
	}
	a := e.attachment(h)
	if a == nil {
		return ErrAttachmentNotFound
	}
	a.setLimits(downloadKiB, uploadKiB)
	return nil
}

func (e *Engine) StatusSnapshot(ctx context.Context, h domain.Handle) (domain.EngineStatus, error) {
	a := e.attachment(h)
	if a == nil {
		return domain.EngineStatus{}, ErrAttachmentNotFound
	}
	return a.status(time.Now()), nil
}

// Close stops every attachment, closes the client and finally the event
// channel. Attachments do not emit EventDetached on close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closing)
	attached := make([]*attachment, 0, len(e.attachments))
	for _, a := range e.attachments {
		attached = append(attached, a)
	}
	e.attachments = make(map[domain.Handle]*attachment)
	e.mu.Unlock()

	for _, a := range attached {
		a.stop(false)
	}
	e.wg.Wait()

	var err error
	if e.client != nil {
		if errs := e.client.Close(); len(errs) > 0 {
			err = errors.Join(errs...)
		}
	}
	if e.completion != nil {
		if cerr := e.completion.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	close(e.events)
	return err
}

func (e *Engine) attachment(h domain.Handle) *attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.attachments[h]
	if a == nil || a.dead() {
		return nil
	}
	return a
}

// forget removes a only if it is still the registered attachment for its
// handle.
func (e *Engine) forget(a *attachment) {
	e.mu.Lock()
	if cur, ok := e.attachments[a.handle]; ok && cur == a {
		delete(e.attachments, a.handle)
	}
	e.mu.Unlock()
}

func (e *Engine) nextSeq(h domain.Handle) uint64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.seq[h]++
	return e.seq[h]
}

// emit delivers ev with the next sequence number. Lossy events are dropped
// when the buffer is full; every event carries absolute state, so a dropped
// one only leaves a gap. Other events wait for room until the engine closes.
func (e *Engine) emit(h domain.Handle, kind domain.EventKind, payload any, lossy bool) {
	ev := domain.EngineEvent{Handle: h, Seq: e.nextSeq(h), Kind: kind, Payload: payload}
	if lossy {
		select {
		case e.events <- ev:
		default:
			e.logger.Debug("engine event dropped", slog.String("infoHash", h.Short()), slog.String("kind", string(kind)))
		}
		return
	}
	select {
	case e.events <- ev:
	case <-e.closing:
	}
}

// applyLimit converts KiB/s into a limiter setting. Zero means unlimited.
func applyLimit(l *rate.Limiter, kib int64) {
	if kib <= 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(minLimiterBurst)
		return
	}
	bytesPerSec := kib * 1024
	l.SetLimit(rate.Limit(bytesPerSec))
	l.SetBurst(int(max(bytesPerSec, minLimiterBurst)))
}
