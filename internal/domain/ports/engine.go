package ports

import (
	"context"

	"torrentdesk/internal/domain"
)

// Engine is the capability set the session needs from a transfer engine.
// Limits are KiB/s with 0 meaning unlimited.
type Engine interface {
	AddTorrent(ctx context.Context, src domain.Source, savePath string, files []domain.FilePriority) (domain.Handle, error)
	RemoveTorrent(ctx context.Context, h domain.Handle, purgeData bool) error
	Pause(ctx context.Context, h domain.Handle) error
	Resume(ctx context.Context, h domain.Handle) error
	SetFilePriority(ctx context.Context, h domain.Handle, fileIndex int, p domain.FilePriority) error
	SetGlobalLimits(ctx context.Context, downloadKiB, uploadKiB int64) error
	SetTorrentLimits(ctx context.Context, h domain.Handle, downloadKiB, uploadKiB int64) error
	StatusSnapshot(ctx context.Context, h domain.Handle) (domain.EngineStatus, error)
	// Events is closed after Close returns.
	Events() <-chan domain.EngineEvent
	Close() error
}
