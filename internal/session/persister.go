package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/domain/ports"
	"torrentdesk/internal/metrics"
)

type writeKind int

const (
	writeTorrent writeKind = iota
	deleteTorrent
	writeSettings
)

const settingsKey = "settings"

type write struct {
	kind     writeKind
	key      string
	version  uint64
	record   domain.TorrentRecord
	infoHash domain.InfoHash
	settings domain.Settings
}

// persister mirrors registry mutations to the store in order. Pending writes
// for the same key coalesce to the latest one. Failures are retried until
// they succeed, while the session keeps running from memory.
type persister struct {
	torrents ports.TorrentRepository
	settings ports.SettingsRepository
	retry    RetryConfig
	interval time.Duration
	logger   *slog.Logger
	notify   func(domain.Notice)

	mu       sync.Mutex
	order    []string
	pending  map[string]write
	version  uint64
	degraded bool

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	active bool
}

func newPersister(torrents ports.TorrentRepository, settings ports.SettingsRepository, retry RetryConfig, interval time.Duration, logger *slog.Logger, notify func(domain.Notice)) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	return &persister{
		torrents: torrents,
		settings: settings,
		retry:    retry,
		interval: interval,
		logger:   logger,
		notify:   notify,
		pending:  make(map[string]write),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *persister) start() {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	go p.run()
}

func (p *persister) saveTorrent(rec domain.TorrentRecord) {
	p.enqueue(write{kind: writeTorrent, key: "t:" + string(rec.InfoHash), record: rec})
}

func (p *persister) deleteTorrent(ih domain.InfoHash) {
	p.enqueue(write{kind: deleteTorrent, key: "t:" + string(ih), infoHash: ih})
}

func (p *persister) saveSettings(s domain.Settings) {
	p.enqueue(write{kind: writeSettings, key: settingsKey, settings: s.Clone()})
}

func (p *persister) enqueue(w write) {
	p.mu.Lock()
	p.version++
	w.version = p.version
	if _, ok := p.pending[w.key]; !ok {
		p.order = append(p.order, w.key)
	}
	p.pending[w.key] = w
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) head() (write, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return write{}, false
	}
	return p.pending[p.order[0]], true
}

// ack drops w unless a newer write for the same key arrived meanwhile.
func (p *persister) ack(w write) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.pending[w.key]
	if !ok || cur.version != w.version {
		return
	}
	delete(p.pending, w.key)
	for i, k := range p.order {
		if k == w.key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *persister) apply(ctx context.Context, w write) error {
	var err error
	switch w.kind {
	case writeTorrent:
		err = p.torrents.SaveTorrent(ctx, w.record)
	case deleteTorrent:
		err = p.torrents.DeleteTorrent(ctx, w.infoHash)
	case writeSettings:
		err = p.settings.SaveSettings(ctx, w.settings)
	default:
		err = fmt.Errorf("unknown write kind %d", w.kind)
	}
	return err
}

func (p *persister) run() {
	defer close(p.done)
	for {
		w, ok := p.head()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return
			}
		}

		err := retryWithBackoff(p.ctx, p.retry, func(ctx context.Context) error {
			return p.apply(ctx, w)
		})
		if err == nil {
			p.ack(w)
			p.setDegraded(false, nil)
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		metrics.PersistenceFailuresTotal.Inc()
		if permanent(err) {
			// The store rejected the value itself; retrying cannot help.
			p.logger.Error("store write rejected",
				slog.String("key", w.key),
				slog.String("error", err.Error()),
			)
			p.ack(w)
			continue
		}
		p.setDegraded(true, err)

		timer := time.NewTimer(p.interval)
		select {
		case <-timer.C:
		case <-p.stop:
			timer.Stop()
			return
		}
	}
}

func (p *persister) setDegraded(degraded bool, cause error) {
	p.mu.Lock()
	changed := p.degraded != degraded
	p.degraded = degraded
	p.mu.Unlock()
	if !changed {
		return
	}

	if degraded {
		metrics.PersistenceDegraded.Set(1)
		p.logger.Warn("persistence degraded, continuing in memory", slog.String("error", cause.Error()))
		p.notify(domain.Notice{
			Kind:    domain.NoticePersistenceDegraded,
			Reason:  domain.ReasonTransient,
			Message: "changes are not being saved: " + cause.Error(),
		})
		return
	}
	metrics.PersistenceDegraded.Set(0)
	p.logger.Info("persistence recovered")
	p.notify(domain.Notice{
		Kind:    domain.NoticePersistenceRecovered,
		Message: "changes are being saved again",
	})
}

func (p *persister) isDegraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// close stops the background writer and makes one last attempt at every
// pending write within timeout.
func (p *persister) close(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		p.cancel()
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if active {
			<-p.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for {
			w, ok := p.head()
			if !ok {
				return
			}
			if werr := p.apply(ctx, w); werr != nil {
				err = wrapRepo(werr)
				p.logger.Error("store flush failed",
					slog.String("key", w.key),
					slog.String("error", werr.Error()),
				)
				if ctx.Err() != nil {
					return
				}
			}
			p.ack(w)
		}
	})
	return err
}
