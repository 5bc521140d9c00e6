package domain

import "strings"

// FilePriority is the download priority of a single file inside a torrent.
type FilePriority string

const (
	PrioritySkip   FilePriority = "skip"
	PriorityLow    FilePriority = "low"
	PriorityNormal FilePriority = "normal"
	PriorityHigh   FilePriority = "high"
)

func (p FilePriority) Valid() bool {
	switch p {
	case PrioritySkip, PriorityLow, PriorityNormal, PriorityHigh:
		return true
	default:
		return false
	}
}

// Selected reports whether bytes of a file with this priority are wanted.
func (p FilePriority) Selected() bool {
	return p != PrioritySkip
}

// ParseFilePriority accepts the names above case-insensitively. An empty
// value means normal.
func ParseFilePriority(raw string) (FilePriority, error) {
	value := FilePriority(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return PriorityNormal, nil
	}
	if !value.Valid() {
		return "", ErrInvalidInput
	}
	return value, nil
}
