package session

import (
	"errors"
	"log/slog"
	"path/filepath"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/metrics"
	"torrentdesk/internal/pathguard"
)

// applyEvent folds one engine event into the registry. Events for unknown
// infohashes and events not newer than the last applied one are discarded.
// Payloads are absolute, so a gap in Seq needs no repair.
func (s *Session) applyEvent(ev domain.EngineEvent) {
	e, ok := s.registry[ev.Handle]

	if ev.Kind == domain.EventDetached {
		if ok {
			if e.removing {
				e.detachSeen = true
			}
			e.lastSeq = max(e.lastSeq, ev.Seq)
		}
		released := s.releaseFence(ev.Handle)
		s.countEvent(ev.Kind, ok || released)
		return
	}

	if !ok || ev.Seq <= e.lastSeq {
		s.countEvent(ev.Kind, false)
		return
	}
	e.lastSeq = ev.Seq
	s.countEvent(ev.Kind, true)

	switch p := ev.Payload.(type) {
	case domain.MetadataPayload:
		s.onMetadata(e, p)
	case domain.ProgressPayload:
		s.onProgress(e, p, ev.Kind == domain.EventCompleted)
	case domain.TrackerPayload:
		s.onTrackers(e, p)
	case domain.ErrorPayload:
		s.onError(e, p)
	default:
		s.logger.Debug("engine event without payload",
			slog.String("infoHash", ev.Handle.Short()),
			slog.String("kind", string(ev.Kind)),
		)
	}
}

func (s *Session) countEvent(kind domain.EventKind, applied bool) {
	result := "applied"
	if !applied {
		result = "discarded"
	}
	metrics.EngineEventsTotal.WithLabelValues(string(kind), result).Inc()
}

// onMetadata fixes the file list. Every path must stay inside the save path;
// a torrent that tries to escape is removed without a trace in the store.
func (s *Session) onMetadata(e *entry, p domain.MetadataPayload) {
	if e.removing {
		return
	}
	ih := e.t.InfoHash
	for _, f := range p.Files {
		err := pathguard.Contains(e.t.SavePath, filepath.FromSlash(f.Path))
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrPathEscape) {
			s.logger.Warn("torrent file escapes save path, removing",
				slog.String("infoHash", ih.Short()),
				slog.String("path", f.Path),
			)
			s.notify(domain.Notice{
				Kind:     domain.NoticePathEscape,
				InfoHash: ih,
				Command:  "add",
				Reason:   domain.ReasonInvalidInput,
				Message:  err.Error(),
			})
			s.fail(e, err.Error())
			s.persist.deleteTorrent(ih)
			e.removing = true
			s.publish()
			s.enqueue(s.removeOp(ih, false))
			return
		}
		s.fail(e, "check file paths: "+err.Error())
		s.save(e)
		s.publish()
		return
	}

	keep := len(e.t.Files) == len(p.Files)
	files := make([]domain.File, len(p.Files))
	for i, f := range p.Files {
		files[i] = domain.File{
			Index:    i,
			Path:     f.Path,
			Offset:   f.Offset,
			Length:   f.Length,
			Priority: f.Priority,
		}
		switch {
		case keep:
			files[i].Priority = e.t.Files[i].Priority
			files[i].BytesCompleted = min(e.t.Files[i].BytesCompleted, f.Length)
		case i < len(e.intent) && e.intent[i].Valid():
			files[i].Priority = e.intent[i]
		case !files[i].Priority.Valid():
			files[i].Priority = domain.PriorityNormal
		}
	}
	e.t.Files = files
	e.intent = nil
	if p.Name != "" {
		e.t.Name = p.Name
	}
	e.t.TotalBytes = p.TotalBytes
	e.t.DoneBytes = min(e.t.DoneBytes, p.TotalBytes)
	if len(p.Metainfo) > 0 && len(e.t.Source.Metainfo) == 0 {
		e.t.Source.Metainfo = append([]byte(nil), p.Metainfo...)
	}
	e.t.LastActivity = s.opts.Now().UTC()
	s.settle(e)
	s.save(e)
	s.publish()
}

func (s *Session) onProgress(e *entry, p domain.ProgressPayload, completed bool) {
	if e.t.State == domain.StateError {
		return
	}
	if p.TotalBytes > 0 && e.t.TotalBytes == 0 {
		e.t.TotalBytes = p.TotalBytes
	}
	done := max(e.t.DoneBytes, p.DoneBytes)
	if e.t.TotalBytes > 0 {
		done = min(done, e.t.TotalBytes)
	}
	if done != e.t.DoneBytes {
		e.t.DoneBytes = done
		e.progressDirty = true
	}
	for i, b := range p.FileBytes {
		if i >= len(e.t.Files) {
			break
		}
		f := &e.t.Files[i]
		f.BytesCompleted = max(f.BytesCompleted, min(b, f.Length))
	}

	if e.t.State == domain.StatePaused {
		zeroRates(&e.t)
	} else {
		e.t.DownloadRate = p.DownloadRate
		e.t.UploadRate = p.UploadRate
		e.t.Peers = p.Peers
		if p.DownloadRate > 0 || p.UploadRate > 0 {
			e.t.LastActivity = s.opts.Now().UTC()
		}
	}

	if s.settle(e) || completed {
		s.save(e)
	}
	s.publish()
}

func (s *Session) onTrackers(e *entry, p domain.TrackerPayload) {
	index := make(map[string]int, len(e.t.Trackers))
	for i, tr := range e.t.Trackers {
		index[tr.URL] = i
	}
	added := false
	for _, tr := range p.Trackers {
		if i, ok := index[tr.URL]; ok {
			e.t.Trackers[i] = tr
			continue
		}
		index[tr.URL] = len(e.t.Trackers)
		e.t.Trackers = append(e.t.Trackers, tr)
		added = true
	}
	if added {
		s.save(e)
	}
	s.publish()
}

func (s *Session) onError(e *entry, p domain.ErrorPayload) {
	if e.removing {
		return
	}
	s.logger.Warn("engine reported torrent error",
		slog.String("infoHash", e.t.InfoHash.Short()),
		slog.String("error", p.Message),
	)
	s.fail(e, p.Message)
	s.save(e)
	s.publish()
}
