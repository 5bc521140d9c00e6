package session

import (
	"log/slog"

	"torrentdesk/internal/domain"
)

// transition moves e to the given state if the lifecycle allows it.
func (s *Session) transition(e *entry, to domain.State) bool {
	from := e.t.State
	if from == to {
		return false
	}
	if !domain.CanTransition(from, to) {
		s.logger.Debug("transition ignored",
			slog.String("infoHash", e.t.InfoHash.Short()),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}
	e.t.State = to
	if to != domain.StateError {
		e.t.Error = ""
	}
	if to == domain.StatePaused || to == domain.StateError {
		zeroRates(&e.t)
	}
	s.logger.Info("torrent state changed",
		slog.String("infoHash", e.t.InfoHash.Short()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return true
}

func (s *Session) fail(e *entry, msg string) {
	if s.transition(e, domain.StateError) || e.t.State == domain.StateError {
		e.t.Error = msg
		zeroRates(&e.t)
	}
}

// settle picks downloading or seeding for a torrent that is transferring or
// has just left resolving.
func (s *Session) settle(e *entry) bool {
	switch e.t.State {
	case domain.StateResolving, domain.StateDownloading, domain.StateSeeding:
	default:
		return false
	}
	if !e.t.HasMetadata() {
		return false
	}
	if e.t.SelectionComplete() {
		return s.transition(e, domain.StateSeeding)
	}
	return s.transition(e, domain.StateDownloading)
}

// resumeTarget is the state a paused torrent returns to.
func resumeTarget(t domain.Torrent) domain.State {
	if t.SelectionComplete() {
		return domain.StateSeeding
	}
	return domain.StateDownloading
}

func (s *Session) save(e *entry) {
	if e.removing {
		return
	}
	e.progressDirty = false
	s.persist.saveTorrent(domain.RecordFromTorrent(e.t, e.pathCanonical))
}

func zeroRates(t *domain.Torrent) {
	t.DownloadRate = 0
	t.UploadRate = 0
	t.Peers = 0
}
