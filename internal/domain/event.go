package domain

type EventKind string

const (
	EventMetadataReady EventKind = "metadata_ready"
	EventProgress      EventKind = "progress"
	EventCompleted     EventKind = "completed"
	EventTrackerStatus EventKind = "tracker_status"
	EventError         EventKind = "error"
	// EventDetached is the last event of an attachment. Nothing for the same
	// handle is emitted after it until the torrent is added again.
	EventDetached EventKind = "detached"
)

// EngineEvent is one entry of the engine's asynchronous feed. Seq increases
// per handle and is never reset while the engine runs. Payload holds one of
// the *Payload types below, matching Kind.
type EngineEvent struct {
	Handle  Handle
	Seq     uint64
	Kind    EventKind
	Payload any
}

type MetadataPayload struct {
	Name       string
	TotalBytes int64
	Files      []File
	Metainfo   []byte
}

// ProgressPayload carries absolute values, never deltas. It is used for both
// progress and completed events.
type ProgressPayload struct {
	DoneBytes    int64
	TotalBytes   int64
	FileBytes    []int64
	DownloadRate int64
	UploadRate   int64
	Peers        int
}

type TrackerPayload struct {
	Trackers []Tracker
}

// ErrorPayload is only emitted for failures that exceeded the engine's own
// retry policy.
type ErrorPayload struct {
	Message string
}

// EngineStatus is a point-in-time view of one attachment.
type EngineStatus struct {
	HasMetadata  bool
	Paused       bool
	Name         string
	DoneBytes    int64
	TotalBytes   int64
	FileBytes    []int64
	DownloadRate int64
	UploadRate   int64
	Peers        int
	Trackers     []Tracker
}
