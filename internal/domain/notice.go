package domain

import "time"

type NoticeKind string

const (
	NoticeCommandFailed        NoticeKind = "command_failed"
	NoticePathEscape           NoticeKind = "path_escape"
	NoticePersistenceDegraded  NoticeKind = "persistence_degraded"
	NoticePersistenceRecovered NoticeKind = "persistence_recovered"
	NoticeLoadIssue            NoticeKind = "load_issue"
	NoticeReattachFailed       NoticeKind = "reattach_failed"
)

// Notice is an asynchronous message for the presentation layer about a
// command or background operation that could not complete.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	InfoHash InfoHash   `json:"infoHash,omitempty"`
	Command  string     `json:"command,omitempty"`
	Reason   Reason     `json:"reason,omitempty"`
	Message  string     `json:"message"`
	At       time.Time  `json:"at"`
}
