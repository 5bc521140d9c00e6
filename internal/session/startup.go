package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/pathguard"
)

// loadSettings runs before the loop starts. Missing settings are
// materialized and persisted; settings written by a newer version are
// replaced by defaults in memory only so the newer file survives. A stored
// row that cannot be decoded is also left in place until the user saves new
// settings.
func (s *Session) loadSettings(ctx context.Context) error {
	loaded, found, err := s.settingsRepo.LoadSettings(ctx)
	switch {
	case errors.Is(err, domain.ErrCorruptRecord):
		s.logger.Warn("stored settings unreadable, using defaults", slog.String("error", err.Error()))
		s.settings = domain.DefaultSettings(s.opts.DefaultDownloadPath)
		s.notify(domain.Notice{
			Kind:    domain.NoticeLoadIssue,
			Reason:  domain.ReasonInvalidInput,
			Message: "settings: " + err.Error() + "; defaults are used until settings are saved",
		})
	case errors.Is(err, domain.ErrSchemaVersion):
		s.logger.Warn("settings written by a newer version, using defaults", slog.String("error", err.Error()))
		s.settings = domain.DefaultSettings(s.opts.DefaultDownloadPath)
		s.settingsReadOnly = true
		s.notify(domain.Notice{
			Kind:    domain.NoticeLoadIssue,
			Reason:  domain.ReasonInvalidInput,
			Message: "settings: " + err.Error() + "; defaults are used and not saved",
		})
	case err != nil:
		return wrapRepo(err)
	case !found:
		s.settings = domain.DefaultSettings(s.opts.DefaultDownloadPath)
		if err := s.settings.Validate(); err != nil {
			return fmt.Errorf("default settings: %w", err)
		}
		s.persist.saveSettings(s.settings)
	default:
		if verr := loaded.Validate(); verr != nil {
			s.logger.Warn("stored settings invalid, using defaults", slog.String("error", verr.Error()))
			s.notify(domain.Notice{
				Kind:    domain.NoticeLoadIssue,
				Reason:  domain.ReasonInvalidInput,
				Message: "settings: " + verr.Error(),
			})
			loaded = domain.DefaultSettings(s.opts.DefaultDownloadPath)
			s.persist.saveSettings(loaded)
		}
		s.settings = loaded
	}

	if err := pathguard.Ensure(s.settings.DownloadPath); err != nil {
		return fmt.Errorf("download path %q: %w", s.settings.DownloadPath, err)
	}
	s.publishSettings()
	return nil
}

// loadTorrents fills the registry from the store. Records that fail to
// decode or validate are skipped and reported.
func (s *Session) loadTorrents(ctx context.Context) ([]domain.TorrentRecord, error) {
	records, issues, err := s.torrents.LoadTorrents(ctx)
	if err != nil {
		return nil, wrapRepo(err)
	}
	for _, issue := range issues {
		s.logger.Warn("skipped persisted torrent", slog.String("key", issue.Key), slog.String("reason", issue.Reason))
		s.notify(domain.Notice{
			Kind:     domain.NoticeLoadIssue,
			InfoHash: domain.InfoHash(issue.Key),
			Reason:   domain.ReasonInvalidInput,
			Message:  issue.String(),
		})
	}

	kept := records[:0]
	for _, rec := range records {
		if _, dup := s.registry[rec.InfoHash]; dup {
			continue
		}
		t := rec.Torrent()
		s.registry[rec.InfoHash] = &entry{t: t, pathCanonical: rec.PathCanonical}
		kept = append(kept, rec)
	}
	s.publish()
	s.logger.Info("persisted torrents loaded", slog.Int("count", len(kept)), slog.Int("skipped", len(issues)))
	return kept, nil
}

// reattachAll re-adds every non-error record through its lane with bounded
// parallelism. Each record has its own timeout; a failure leaves that
// torrent in error instead of holding up the rest.
func (s *Session) reattachAll(ctx context.Context, records []domain.TorrentRecord) {
	sem := semaphore.NewWeighted(s.opts.ReattachParallelism)
	var wg sync.WaitGroup
	for _, rec := range records {
		if rec.State == domain.StateError {
			continue
		}
		wg.Add(1)
		go func(rec domain.TorrentRecord) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			if err := s.submit(ctx, s.reattachOp(rec.InfoHash)); err != nil {
				s.logger.Warn("reattach failed",
					slog.String("infoHash", rec.InfoHash.Short()),
					slog.String("error", err.Error()),
				)
			}
		}(rec)
	}
	wg.Wait()
}

func (s *Session) reattachOp(ih domain.InfoHash) *op {
	o := newOp("reattach", string(ih))
	var (
		src       domain.Source
		savePath  string
		prios     []domain.FilePriority
		paused    bool
		limits    domain.Limits
		canonical bool
	)
	o.prepare = func() (func(context.Context) error, error) {
		e, ok := s.registry[ih]
		if !ok {
			return nil, domain.ErrNotFound
		}
		src = e.t.Source.Clone()
		savePath = e.t.SavePath
		prios = e.t.FilePriorities()
		paused = e.t.State == domain.StatePaused
		limits = e.t.Limits
		canonical = e.pathCanonical
		base := s.settings.DownloadPath

		return func(ctx context.Context) error {
			if !canonical {
				resolved, err := pathguard.Resolve(savePath, base)
				if err != nil {
					return err
				}
				savePath = resolved
			}
			if err := pathguard.Ensure(savePath); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, s.opts.ReattachTimeout)
			defer cancel()
			err := retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
				_, err := s.engine.AddTorrent(ctx, src, savePath, prios)
				return err
			})
			if err != nil {
				return wrapAdd(err)
			}
			if paused {
				if err := s.engine.Pause(ctx, ih); err != nil {
					return wrapEngine(err)
				}
			}
			if limits != (domain.Limits{}) {
				if err := s.engine.SetTorrentLimits(ctx, ih, limits.Download, limits.Upload); err != nil {
					return wrapEngine(err)
				}
			}
			return nil
		}, nil
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return nil
		}
		if err != nil {
			s.fail(e, "reattach: "+err.Error())
			s.notify(domain.Notice{
				Kind:     domain.NoticeReattachFailed,
				InfoHash: ih,
				Command:  "reattach",
				Reason:   domain.ReasonOf(err),
				Message:  err.Error(),
			})
			s.save(e)
			s.publish()
			return err
		}
		if !canonical {
			e.t.SavePath = savePath
			e.pathCanonical = true
			s.save(e)
		}
		s.publish()
		return nil
	}
	return o
}
