package domain

import (
	"errors"
	"fmt"
	"time"
)

// RecordSchemaVersion is written with every persisted torrent and settings
// record. Version 0 is the legacy row layout without a version column.
const RecordSchemaVersion = 1

// TorrentRecord is the durable mirror of a Torrent minus live values.
type TorrentRecord struct {
	SchemaVersion int       `json:"schemaVersion"`
	InfoHash      InfoHash  `json:"infoHash"`
	Name          string    `json:"name"`
	State         State     `json:"state"`
	SavePath      string    `json:"savePath"`
	PathCanonical bool      `json:"pathCanonical"`
	Source        Source    `json:"source"`
	Files         []File    `json:"files"`
	TotalBytes    int64     `json:"totalBytes"`
	DoneBytes     int64     `json:"doneBytes"`
	Trackers      []string  `json:"trackers,omitempty"`
	Limits        Limits    `json:"limits"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Validate checks domain invariants for TorrentRecord.
func (r TorrentRecord) Validate() error {
	if r.SchemaVersion > RecordSchemaVersion {
		return fmt.Errorf("%w: %d is newer than %d", ErrSchemaVersion, r.SchemaVersion, RecordSchemaVersion)
	}
	if _, err := ParseInfoHash(string(r.InfoHash)); err != nil {
		return errors.New("infoHash must be 40 hex characters")
	}
	if r.Source.InfoHash != "" && r.Source.InfoHash != r.InfoHash {
		return errors.New("source infoHash does not match record")
	}
	if r.SavePath == "" {
		return errors.New("savePath is required")
	}
	switch r.State {
	case StateResolving, StateDownloading, StateSeeding, StatePaused, StateError:
		// valid
	case "":
		return errors.New("state is required")
	default:
		return errors.New("invalid state: " + string(r.State))
	}
	if r.TotalBytes < 0 {
		return errors.New("totalBytes must not be negative")
	}
	if r.DoneBytes < 0 {
		return errors.New("doneBytes must not be negative")
	}
	if r.TotalBytes > 0 && r.DoneBytes > r.TotalBytes {
		return errors.New("doneBytes must not exceed totalBytes")
	}
	if err := r.Limits.Validate(); err != nil {
		return err
	}
	var sum int64
	for i, f := range r.Files {
		if f.Index != i {
			return fmt.Errorf("file %d has index %d", i, f.Index)
		}
		if f.Length < 0 || f.BytesCompleted < 0 {
			return fmt.Errorf("file %d has negative size", i)
		}
		if !f.Priority.Valid() {
			return fmt.Errorf("file %d has invalid priority %q", i, f.Priority)
		}
		sum += f.Length
	}
	if len(r.Files) > 0 && sum != r.TotalBytes {
		return fmt.Errorf("file lengths sum to %d, totalBytes is %d", sum, r.TotalBytes)
	}
	return nil
}

// RecordFromTorrent drops the live fields of t.
func RecordFromTorrent(t Torrent, pathCanonical bool) TorrentRecord {
	c := t.Clone()
	rec := TorrentRecord{
		SchemaVersion: RecordSchemaVersion,
		InfoHash:      c.InfoHash,
		Name:          c.Name,
		State:         c.State,
		SavePath:      c.SavePath,
		PathCanonical: pathCanonical,
		Source:        c.Source,
		Files:         c.Files,
		TotalBytes:    c.TotalBytes,
		DoneBytes:     c.DoneBytes,
		Limits:        c.Limits,
		Error:         c.Error,
		CreatedAt:     c.CreatedAt,
		LastActivity:  c.LastActivity,
	}
	for _, tr := range c.Trackers {
		rec.Trackers = append(rec.Trackers, tr.URL)
	}
	return rec
}

// Torrent rebuilds a registry value. Live fields start at zero and tracker
// status is unknown until the engine reports.
func (r TorrentRecord) Torrent() Torrent {
	t := Torrent{
		InfoHash:     r.InfoHash,
		Name:         r.Name,
		State:        r.State,
		SavePath:     r.SavePath,
		TotalBytes:   r.TotalBytes,
		DoneBytes:    r.DoneBytes,
		Limits:       r.Limits,
		Error:        r.Error,
		Source:       r.Source.Clone(),
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	if r.Files != nil {
		t.Files = append([]File(nil), r.Files...)
	}
	for _, url := range r.Trackers {
		t.Trackers = append(t.Trackers, Tracker{URL: url, Status: TrackerUnknown})
	}
	if t.Source.InfoHash == "" {
		t.Source.InfoHash = r.InfoHash
	}
	return t
}

// LoadIssue describes a persisted record that was skipped during load.
type LoadIssue struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

func (i LoadIssue) String() string {
	return i.Key + ": " + i.Reason
}
