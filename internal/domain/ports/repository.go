package ports

import (
	"context"

	"torrentdesk/internal/domain"
)

// TorrentRepository is the durable mirror of the registry. LoadTorrents skips
// records that fail validation and reports them as issues; the error return
// is reserved for failures that prevent reading anything at all.
type TorrentRepository interface {
	LoadTorrents(ctx context.Context) ([]domain.TorrentRecord, []domain.LoadIssue, error)
	SaveTorrent(ctx context.Context, rec domain.TorrentRecord) error
	DeleteTorrent(ctx context.Context, ih domain.InfoHash) error
}

type SettingsRepository interface {
	// LoadSettings reports false when no settings have been saved yet.
	LoadSettings(ctx context.Context) (domain.Settings, bool, error)
	SaveSettings(ctx context.Context, s domain.Settings) error
}

// Store combines both repositories over one connection.
type Store interface {
	TorrentRepository
	SettingsRepository
	Close() error
}
