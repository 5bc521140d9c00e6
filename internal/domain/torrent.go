package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// InfoHash is the lowercase hex form of a torrent's v1 infohash.
type InfoHash string

// Handle identifies a torrent at the engine boundary. Engines key their
// attachments by infohash, so the two are interchangeable.
type Handle = InfoHash

// ParseInfoHash accepts 40 hex characters in either case.
func ParseInfoHash(raw string) (InfoHash, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) != 40 {
		return "", fmt.Errorf("%w: infohash must be 40 hex characters", ErrInvalidInput)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", fmt.Errorf("%w: infohash is not hex", ErrInvalidInput)
	}
	return InfoHash(value), nil
}

func (h InfoHash) String() string { return string(h) }

// Short returns a prefix suitable for log lines.
func (h InfoHash) Short() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}

type File struct {
	Index          int          `json:"index"`
	Path           string       `json:"path"`
	Offset         int64        `json:"offset"`
	Length         int64        `json:"length"`
	BytesCompleted int64        `json:"bytesCompleted"`
	Priority       FilePriority `json:"priority"`
}

type TrackerStatus string

const (
	TrackerUnknown  TrackerStatus = "unknown"
	TrackerWorking  TrackerStatus = "working"
	TrackerUpdating TrackerStatus = "updating"
	TrackerFailed   TrackerStatus = "failed"
)

type Tracker struct {
	URL          string        `json:"url"`
	Status       TrackerStatus `json:"status"`
	Message      string        `json:"message,omitempty"`
	LastAnnounce time.Time     `json:"lastAnnounce,omitempty"`
}

// Limits is a download/upload pair in KiB/s. Zero means unlimited.
type Limits struct {
	Download int64 `json:"dl"`
	Upload   int64 `json:"ul"`
}

func (l Limits) Validate() error {
	if l.Download < 0 || l.Upload < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidInput)
	}
	return nil
}

// Torrent is the registry view of a single transfer. Rates, peers and tracker
// status are live values and never persisted.
type Torrent struct {
	InfoHash     InfoHash  `json:"infoHash"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	SavePath     string    `json:"savePath"`
	TotalBytes   int64     `json:"totalBytes"`
	DoneBytes    int64     `json:"doneBytes"`
	Files        []File    `json:"files"`
	DownloadRate int64     `json:"downloadRate"`
	UploadRate   int64     `json:"uploadRate"`
	Peers        int       `json:"peers"`
	Trackers     []Tracker `json:"trackers"`
	Limits       Limits    `json:"limits"`
	Error        string    `json:"error,omitempty"`
	Source       Source    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Clone returns a deep copy that shares no slices with t.
func (t Torrent) Clone() Torrent {
	out := t
	if t.Files != nil {
		out.Files = make([]File, len(t.Files))
		copy(out.Files, t.Files)
	}
	if t.Trackers != nil {
		out.Trackers = make([]Tracker, len(t.Trackers))
		copy(out.Trackers, t.Trackers)
	}
	out.Source = t.Source.Clone()
	return out
}

// HasMetadata reports whether the file list has been fixed.
func (t Torrent) HasMetadata() bool {
	return len(t.Files) > 0
}

// SelectedBytes is the sum of lengths of every file not marked skip.
func (t Torrent) SelectedBytes() int64 {
	var total int64
	for _, f := range t.Files {
		if f.Priority.Selected() {
			total += f.Length
		}
	}
	return total
}

// SelectionComplete reports whether every selected file is fully on disk.
// A torrent without metadata or with nothing selected is never complete.
func (t Torrent) SelectionComplete() bool {
	if !t.HasMetadata() {
		return false
	}
	selected := false
	for _, f := range t.Files {
		if !f.Priority.Selected() {
			continue
		}
		selected = true
		if f.BytesCompleted < f.Length {
			return false
		}
	}
	return selected
}

// Progress returns the completed fraction of the selected bytes in [0, 1].
func (t Torrent) Progress() float64 {
	selected := t.SelectedBytes()
	if selected <= 0 {
		if t.TotalBytes <= 0 {
			return 0
		}
		return clampFraction(float64(t.DoneBytes) / float64(t.TotalBytes))
	}
	var done int64
	for _, f := range t.Files {
		if f.Priority.Selected() {
			done += min(f.BytesCompleted, f.Length)
		}
	}
	return clampFraction(float64(done) / float64(selected))
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FilePriorities returns the per-file priorities in index order.
func (t Torrent) FilePriorities() []FilePriority {
	if len(t.Files) == 0 {
		return nil
	}
	out := make([]FilePriority, len(t.Files))
	for i, f := range t.Files {
		out[i] = f.Priority
	}
	return out
}
