package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"torrentdesk/internal/bandwidth"
	"torrentdesk/internal/domain"
	"torrentdesk/internal/metrics"
	"torrentdesk/internal/pathguard"
)

// UpdateSettings applies a partial update. Schedule rules and the download
// path are validated before anything changes; existing torrents keep their
// save paths. The resolved global limits are pushed to the engine when they
// differ from what is applied.
func (s *Session) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	if err := s.checkOpen(); err != nil {
		return domain.Settings{}, err
	}
	if patch.Empty() {
		return s.Settings(), nil
	}

	var (
		downloadPath string
		rules        []domain.ScheduleRule
	)
	if patch.DownloadPath != nil {
		p := strings.TrimSpace(*patch.DownloadPath)
		if p == "" || !filepath.IsAbs(p) {
			return domain.Settings{}, fmt.Errorf("%w: download path must be absolute", domain.ErrInvalidInput)
		}
		if err := pathguard.Ensure(p); err != nil {
			return domain.Settings{}, fmt.Errorf("%w: download path: %v", domain.ErrInvalidInput, err)
		}
		downloadPath = filepath.Clean(p)
	}
	if patch.Theme != nil && !patch.Theme.Valid() {
		return domain.Settings{}, fmt.Errorf("%w: theme must be dark or light", domain.ErrInvalidInput)
	}
	if patch.BandwidthSchedules != nil {
		parsed, err := bandwidth.ParseRules(*patch.BandwidthSchedules)
		if err != nil {
			return domain.Settings{}, err
		}
		rules = parsed
	}

	result := make(chan domain.Settings, 1)
	o := newOp("update_settings", globalLane)
	o.prepare = func() (func(context.Context) error, error) {
		next := s.settings.Clone()
		if patch.DownloadPath != nil {
			next.DownloadPath = downloadPath
		}
		if patch.Theme != nil {
			next.Theme = *patch.Theme
		}
		if patch.GlobalDownloadLimit != nil {
			next.GlobalDownloadLimit = *patch.GlobalDownloadLimit
		}
		if patch.GlobalUploadLimit != nil {
			next.GlobalUploadLimit = *patch.GlobalUploadLimit
		}
		if patch.BandwidthSchedules != nil {
			next.BandwidthSchedules = rules
		}
		next.SchemaVersion = domain.RecordSchemaVersion
		if err := next.Validate(); err != nil {
			return nil, err
		}

		s.settings = next
		s.publishSettings()
		if s.settingsReadOnly {
			s.logger.Warn("settings changed in memory only, stored settings belong to a newer version")
		} else {
			s.persist.saveSettings(next)
		}
		result <- next.Clone()
		s.logger.Info("settings updated")

		active := bandwidth.ActiveLimits(s.opts.Now(), next.BandwidthSchedules, next.GlobalLimits())
		if !s.gate.Changed(active) {
			return nil, nil
		}
		return s.limitsWork(active), nil
	}
	o.finish = func(err error) error {
		if err != nil {
			// The settings are stored; the next tick pushes the limits again.
			s.limitsFailed(err)
		}
		return nil
	}

	err := s.submit(ctx, o)
	select {
	case next := <-result:
		return next, err
	default:
		return domain.Settings{}, err
	}
}

// evaluateLimits queues a global limit update when the schedule resolves to
// a pair different from the applied one. Loop only.
func (s *Session) evaluateLimits(now time.Time) {
	active := bandwidth.ActiveLimits(now, s.settings.BandwidthSchedules, s.settings.GlobalLimits())
	if !s.gate.Changed(active) {
		return
	}
	if l := s.lanes[globalLane]; l != nil && (l.busy || len(l.queue) > 0) {
		// A settings update or an earlier tick is in flight; the next tick
		// re-checks.
		return
	}
	o := newOp("set_global_limits", globalLane)
	o.prepare = func() (func(context.Context) error, error) {
		active := bandwidth.ActiveLimits(s.opts.Now(), s.settings.BandwidthSchedules, s.settings.GlobalLimits())
		if !s.gate.Changed(active) {
			return nil, nil
		}
		return s.limitsWork(active), nil
	}
	o.finish = func(err error) error {
		if err != nil {
			return s.limitsFailed(err)
		}
		return nil
	}
	s.enqueue(o)
}

func (s *Session) limitsWork(active domain.Limits) func(context.Context) error {
	return func(ctx context.Context) error {
		err := retryWithBackoff(ctx, s.opts.EngineRetry, func(ctx context.Context) error {
			return s.engine.SetGlobalLimits(ctx, active.Download, active.Upload)
		})
		if err != nil {
			return err
		}
		s.gate.Mark(active)
		metrics.GlobalLimitKiB.WithLabelValues("download").Set(float64(active.Download))
		metrics.GlobalLimitKiB.WithLabelValues("upload").Set(float64(active.Upload))
		s.logger.Info("global limits applied",
			slog.Int64("downloadKiB", active.Download),
			slog.Int64("uploadKiB", active.Upload),
		)
		return nil
	}
}

func (s *Session) limitsFailed(err error) error {
	wrapped := wrapEngine(err)
	s.logger.Warn("global limits not applied", slog.String("error", err.Error()))
	s.notify(domain.Notice{
		Kind:    domain.NoticeCommandFailed,
		Command: "set_global_limits",
		Reason:  domain.ReasonOf(wrapped),
		Message: wrapped.Error(),
	})
	return wrapped
}

// onTick re-evaluates the schedule and checkpoints download progress.
func (s *Session) onTick(now time.Time) {
	s.evaluateLimits(now)
	for _, e := range s.registry {
		if e.progressDirty {
			s.save(e)
		}
	}
}
