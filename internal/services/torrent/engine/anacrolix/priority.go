package anacrolix

import (
	"github.com/anacrolix/torrent"

	"torrentdesk/internal/domain"
)

// mapFilePriority maps a file priority to a piece priority. anacrolix has no
// level below normal, so low is downloaded like normal.
func mapFilePriority(p domain.FilePriority) torrent.PiecePriority {
	switch p {
	case domain.PrioritySkip:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityHigh
	case domain.PriorityLow, domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityNormal
	}
}

// priorityAt returns the priority for file i, defaulting to normal when the
// caller supplied fewer entries than the torrent has files.
func priorityAt(priorities []domain.FilePriority, i int) domain.FilePriority {
	if i < 0 || i >= len(priorities) || !priorities[i].Valid() {
		return domain.PriorityNormal
	}
	return priorities[i]
}

func applyFilePriorities(t *torrent.Torrent, priorities []domain.FilePriority) {
	for i, f := range t.Files() {
		f.SetPriority(mapFilePriority(priorityAt(priorities, i)))
	}
}
