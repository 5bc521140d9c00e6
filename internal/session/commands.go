package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/pathguard"
)

// Add registers a torrent and attaches it to the engine. Adding an infohash
// that is already registered updates its file priorities (and its save path
// while still resolving or in error) and returns the existing torrent.
// A path outside the download directory is rejected before anything is
// registered. When the engine refuses the add the torrent stays registered
// in error and the returned error wraps domain.ErrAdd.
func (s *Session) Add(ctx context.Context, req AddRequest) (domain.Torrent, error) {
	if err := s.checkOpen(); err != nil {
		return domain.Torrent{}, err
	}
	src, err := NormalizeSource(req)
	if err != nil {
		return domain.Torrent{}, err
	}
	for i, p := range req.Files {
		if !p.Valid() {
			return domain.Torrent{}, fmt.Errorf("%w: file %d priority %q", domain.ErrInvalidInput, i, p)
		}
	}

	explicitPath := strings.TrimSpace(req.SavePath) != ""
	savePath, err := pathguard.Resolve(strings.TrimSpace(req.SavePath), s.Settings().DownloadPath)
	if err != nil {
		return domain.Torrent{}, err
	}
	if err := pathguard.Ensure(savePath); err != nil {
		return domain.Torrent{}, fmt.Errorf("%w: save path: %v", domain.ErrInvalidInput, err)
	}

	ih := src.InfoHash
	prios := append([]domain.FilePriority(nil), req.Files...)
	result := make(chan domain.Torrent, 1)

	o := newOp("add", string(ih))
	var (
		readd   bool
		applied func()
	)
	o.prepare = func() (func(context.Context) error, error) {
		if e, ok := s.registry[ih]; ok {
			readd = true
			work, after, err := s.readd(e, src, savePath, explicitPath, prios)
			applied = after
			return work, err
		}

		now := s.opts.Now().UTC()
		t := domain.Torrent{
			InfoHash:     ih,
			Name:         src.DisplayName,
			State:        domain.StateResolving,
			SavePath:     savePath,
			Source:       src.Clone(),
			CreatedAt:    now,
			LastActivity: now,
		}
		for _, url := range src.Trackers {
			t.Trackers = append(t.Trackers, domain.Tracker{URL: url, Status: domain.TrackerUnknown})
		}
		e := &entry{t: t, pathCanonical: true, intent: prios}
		s.registry[ih] = e
		s.save(e)
		s.publish()
		s.logger.Info("torrent added",
			slog.String("infoHash", ih.Short()),
			slog.String("kind", string(src.Kind)),
			slog.String("savePath", savePath),
		)
		return s.attachWork(src, savePath, prios, domain.Limits{}), nil
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return err
		}
		switch {
		case err == nil:
			if applied != nil {
				applied()
			}
		case errors.Is(err, domain.ErrAdd):
			s.fail(e, err.Error())
			s.save(e)
		default:
			if readd {
				s.commandFailed(e, "add", err)
				err = wrapEngine(err)
			}
		}
		result <- e.t.Clone()
		s.publish()
		return err
	}

	err = s.submit(ctx, o)
	select {
	case t := <-result:
		return t, err
	default:
		return domain.Torrent{}, err
	}
}

// readd computes the engine work for an add of a registered infohash. after
// runs on success.
func (s *Session) readd(e *entry, src domain.Source, savePath string, explicitPath bool, prios []domain.FilePriority) (func(context.Context) error, func(), error) {
	ih := e.t.InfoHash
	e.t.Source.Trackers = mergeURLs(e.t.Source.Trackers, src.Trackers)
	if len(e.t.Source.Metainfo) == 0 && len(src.Metainfo) > 0 {
		e.t.Source.Metainfo = append([]byte(nil), src.Metainfo...)
	}
	known := make(map[string]bool, len(e.t.Trackers))
	for _, tr := range e.t.Trackers {
		known[tr.URL] = true
	}
	for _, url := range src.Trackers {
		if !known[url] {
			e.t.Trackers = append(e.t.Trackers, domain.Tracker{URL: url, Status: domain.TrackerUnknown})
		}
	}

	pathChanged := explicitPath && savePath != e.t.SavePath
	switch e.t.State {
	case domain.StateError:
		if pathChanged {
			e.t.SavePath = savePath
			e.pathCanonical = true
		}
		if prios != nil {
			e.intent = prios
			s.applyPriorities(e, prios)
		}
		s.transition(e, domain.StateResolving)
		s.save(e)
		s.publish()
		return s.attachWork(e.t.Source.Clone(), e.t.SavePath, s.enginePriorities(e), e.t.Limits), func() { s.settle(e) }, nil

	case domain.StateResolving:
		if prios != nil {
			e.intent = prios
		}
		src := e.t.Source.Clone()
		intent := append([]domain.FilePriority(nil), e.intent...)
		if pathChanged {
			e.t.SavePath = savePath
			s.save(e)
			attach := s.attachWork(src, savePath, intent, e.t.Limits)
			return func(ctx context.Context) error {
				if err := s.engine.RemoveTorrent(ctx, ih, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				return attach(ctx)
			}, nil, nil
		}
		return s.attachWork(src, e.t.SavePath, intent, domain.Limits{}), nil, nil

	default:
		if pathChanged {
			s.logger.Info("save path of an attached torrent is not changed by re-add",
				slog.String("infoHash", ih.Short()),
				slog.String("requested", savePath),
			)
		}
		if prios == nil || !e.t.HasMetadata() {
			s.save(e)
			return nil, nil, nil
		}
		var changes []int
		for i, f := range e.t.Files {
			if i < len(prios) && prios[i] != f.Priority {
				changes = append(changes, i)
			}
		}
		if len(changes) == 0 {
			s.save(e)
			return nil, nil, nil
		}
		work := func(ctx context.Context) error {
			for _, i := range changes {
				err := retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
					return s.engine.SetFilePriority(ctx, ih, i, prios[i])
				})
				if err != nil {
					return err
				}
			}
			return nil
		}
		after := func() {
			s.applyPriorities(e, prios)
			s.settle(e)
			s.save(e)
		}
		return work, after, nil
	}
}

// attachWork adds src to the engine and re-applies per-torrent limits.
func (s *Session) attachWork(src domain.Source, savePath string, prios []domain.FilePriority, limits domain.Limits) func(context.Context) error {
	return func(ctx context.Context) error {
		err := retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
			_, err := s.engine.AddTorrent(ctx, src, savePath, prios)
			return err
		})
		if err != nil {
			return wrapAdd(err)
		}
		if limits != (domain.Limits{}) {
			if err := s.engine.SetTorrentLimits(ctx, src.InfoHash, limits.Download, limits.Upload); err != nil {
				s.logger.Warn("re-apply torrent limits failed",
					slog.String("infoHash", src.InfoHash.Short()),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	}
}

func (s *Session) applyPriorities(e *entry, prios []domain.FilePriority) {
	for i := range e.t.Files {
		if i < len(prios) {
			e.t.Files[i].Priority = prios[i]
		}
	}
}

// enginePriorities returns the priorities to hand to the engine on attach.
func (s *Session) enginePriorities(e *entry) []domain.FilePriority {
	if e.t.HasMetadata() {
		return e.t.FilePriorities()
	}
	return append([]domain.FilePriority(nil), e.intent...)
}

func (s *Session) commandFailed(e *entry, command string, err error) {
	wrapped := wrapEngine(err)
	s.logger.Warn("engine command failed",
		slog.String("infoHash", e.t.InfoHash.Short()),
		slog.String("command", command),
		slog.String("error", err.Error()),
	)
	s.notify(domain.Notice{
		Kind:     domain.NoticeCommandFailed,
		InfoHash: e.t.InfoHash,
		Command:  command,
		Reason:   domain.ReasonOf(wrapped),
		Message:  wrapped.Error(),
	})
}

// Pause stops transfer for a downloading or seeding torrent. Pausing a
// paused torrent is a no-op.
func (s *Session) Pause(ctx context.Context, ih domain.InfoHash) error {
	o := newOp("pause", string(ih))
	o.prepare = func() (func(context.Context) error, error) {
		e, ok := s.registry[ih]
		if !ok {
			return nil, domain.ErrNotFound
		}
		switch {
		case e.t.State == domain.StatePaused:
			return nil, nil
		case e.t.State == domain.StateError:
			return nil, fmt.Errorf("%w: retry it with resume", domain.ErrErrorState)
		case !e.t.State.Pausable():
			return nil, fmt.Errorf("%w: cannot pause a %s torrent", domain.ErrInvalidTransition, e.t.State)
		}
		return func(ctx context.Context) error {
			return retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
				return s.engine.Pause(ctx, ih)
			})
		}, nil
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return err
		}
		if err != nil {
			s.commandFailed(e, "pause", err)
			return wrapEngine(err)
		}
		if s.transition(e, domain.StatePaused) {
			s.save(e)
			s.publish()
		}
		return nil
	}
	return s.submit(ctx, o)
}

// Resume restarts a paused torrent, or retries one in error by adding it to
// the engine again. Resuming an active torrent is a no-op.
func (s *Session) Resume(ctx context.Context, ih domain.InfoHash) error {
	o := newOp("resume", string(ih))
	retrying := false
	o.prepare = func() (func(context.Context) error, error) {
		e, ok := s.registry[ih]
		if !ok {
			return nil, domain.ErrNotFound
		}
		switch e.t.State {
		case domain.StatePaused:
			return func(ctx context.Context) error {
				return retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
					return s.engine.Resume(ctx, ih)
				})
			}, nil
		case domain.StateError:
			retrying = true
			if err := pathguard.Ensure(e.t.SavePath); err != nil {
				return nil, fmt.Errorf("%w: save path: %v", domain.ErrInvalidInput, err)
			}
			s.transition(e, domain.StateResolving)
			s.save(e)
			s.publish()
			return s.attachWork(e.t.Source.Clone(), e.t.SavePath, s.enginePriorities(e), e.t.Limits), nil
		default:
			return nil, nil
		}
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return err
		}
		switch {
		case err != nil && retrying:
			s.fail(e, err.Error())
			s.save(e)
		case err != nil:
			s.commandFailed(e, "resume", err)
			return wrapEngine(err)
		case retrying:
			s.settle(e)
			s.save(e)
		default:
			if s.transition(e, resumeTarget(e.t)) {
				s.save(e)
			}
		}
		s.publish()
		return err
	}
	return s.submit(ctx, o)
}

// Remove detaches the torrent and deletes its record, optionally deleting
// the payload. If the engine refuses, the torrent is kept and a notice is
// published.
func (s *Session) Remove(ctx context.Context, ih domain.InfoHash, purge bool) error {
	return s.submit(ctx, s.removeOp(ih, purge))
}

func (s *Session) removeOp(ih domain.InfoHash, purge bool) *op {
	o := newOp("remove", string(ih))
	attached := true
	o.prepare = func() (func(context.Context) error, error) {
		e, ok := s.registry[ih]
		if !ok {
			return nil, domain.ErrNotFound
		}
		e.removing = true
		e.detachSeen = false
		return func(ctx context.Context) error {
			err := retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
				return s.engine.RemoveTorrent(ctx, ih, purge)
			})
			if errors.Is(err, domain.ErrNotFound) {
				attached = false
				return nil
			}
			return err
		}, nil
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return err
		}
		if err != nil {
			e.removing = false
			s.commandFailed(e, "remove", err)
			return wrapEngine(err)
		}
		delete(s.registry, ih)
		s.persist.deleteTorrent(ih)
		if attached && !e.detachSeen {
			s.fence(ih)
		}
		s.logger.Info("torrent removed",
			slog.String("infoHash", ih.Short()),
			slog.Bool("purge", purge),
		)
		s.publish()
		return nil
	}
	return o
}

// SetFilePriority changes one file's priority. Selecting a file of a seeding
// torrent reopens the download.
func (s *Session) SetFilePriority(ctx context.Context, ih domain.InfoHash, index int, p domain.FilePriority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: priority %q", domain.ErrInvalidInput, p)
	}
	o := newOp("set_file_priority", string(ih))
	o.prepare = func() (func(context.Context) error, error) {
		e, ok := s.registry[ih]
		if !ok {
			return nil, domain.ErrNotFound
		}
		if e.t.State == domain.StateError {
			return nil, domain.ErrErrorState
		}
		if !e.t.HasMetadata() {
			return nil, fmt.Errorf("%w: file list not known yet", domain.ErrInvalidInput)
		}
		if index < 0 || index >= len(e.t.Files) {
			return nil, fmt.Errorf("%w: file index %d out of range", domain.ErrInvalidInput, index)
		}
		if e.t.Files[index].Priority == p {
			return nil, nil
		}
		return func(ctx context.Context) error {
			return retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
				return s.engine.SetFilePriority(ctx, ih, index, p)
			})
		}, nil
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return err
		}
		if err != nil {
			s.commandFailed(e, "set_file_priority", err)
			return wrapEngine(err)
		}
		if index < len(e.t.Files) {
			e.t.Files[index].Priority = p
		}
		s.settle(e)
		s.save(e)
		s.publish()
		return nil
	}
	return s.submit(ctx, o)
}

// SetTorrentLimits sets per-torrent limits in KiB/s. A torrent in error only
// records them; they are applied on the next attach.
func (s *Session) SetTorrentLimits(ctx context.Context, ih domain.InfoHash, limits domain.Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	o := newOp("set_torrent_limits", string(ih))
	o.prepare = func() (func(context.Context) error, error) {
		e, ok := s.registry[ih]
		if !ok {
			return nil, domain.ErrNotFound
		}
		if e.t.State == domain.StateError {
			return nil, nil
		}
		return func(ctx context.Context) error {
			return retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
				return s.engine.SetTorrentLimits(ctx, ih, limits.Download, limits.Upload)
			})
		}, nil
	}
	o.finish = func(err error) error {
		e, ok := s.registry[ih]
		if !ok {
			return err
		}
		if err != nil {
			s.commandFailed(e, "set_torrent_limits", err)
			return wrapEngine(err)
		}
		e.t.Limits = limits
		s.save(e)
		s.publish()
		return nil
	}
	return s.submit(ctx, o)
}

// PauseAll pauses every downloading or seeding torrent.
func (s *Session) PauseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, t := range s.Snapshot() {
		if !t.State.Pausable() {
			continue
		}
		ih := t.InfoHash
		g.Go(func() error { return s.Pause(ctx, ih) })
	}
	return g.Wait()
}

// ResumeAll resumes every paused torrent. Torrents in error are left for an
// explicit retry.
func (s *Session) ResumeAll(ctx context.Context) error {
	var g errgroup.Group
	for _, t := range s.Snapshot() {
		if t.State != domain.StatePaused {
			continue
		}
		ih := t.InfoHash
		g.Go(func() error { return s.Resume(ctx, ih) })
	}
	return g.Wait()
}
