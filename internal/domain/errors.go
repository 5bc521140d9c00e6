package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPathEscape        = errors.New("path escapes base directory")
	ErrScheduleConfig    = errors.New("invalid bandwidth schedule")
	ErrAdd               = errors.New("add torrent failed")
	ErrEngineCommand     = errors.New("engine command failed")
	ErrPersistence       = errors.New("persistence error")
	ErrErrorState        = errors.New("torrent is in error state")
	ErrClosed            = errors.New("session closed")
	ErrSchemaVersion     = errors.New("unsupported schema version")
	ErrCorruptRecord     = errors.New("stored record cannot be decoded")
)

// PathEscapeError reports a save path that would resolve outside the
// configured base directory. It is never recovered by clamping.
type PathEscapeError struct {
	Requested string
	Base      string
	Resolved  string
}

func (e *PathEscapeError) Error() string {
	if e.Resolved != "" && e.Resolved != e.Requested {
		return fmt.Sprintf("path %q resolves to %q outside base directory %q", e.Requested, e.Resolved, e.Base)
	}
	return fmt.Sprintf("path %q escapes base directory %q", e.Requested, e.Base)
}

func (e *PathEscapeError) Is(target error) bool {
	return target == ErrPathEscape
}

// ScheduleConfigError describes a malformed bandwidth schedule rule.
type ScheduleConfigError struct {
	Index  int
	Field  string
	Value  string
	Reason string
}

func (e *ScheduleConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("schedule rule %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("schedule rule %d: %s %q: %s", e.Index, e.Field, e.Value, e.Reason)
}

func (e *ScheduleConfigError) Is(target error) bool {
	return target == ErrScheduleConfig
}

// Reason classifies a rejected command for the presentation layer.
type Reason string

const (
	ReasonInvalidInput Reason = "invalid_input"
	ReasonNotFound     Reason = "not_found"
	ReasonTransient    Reason = "transient"
	ReasonErrorState   Reason = "error_state"
)

// ReasonOf tells apart caller mistakes, retryable failures and torrents that
// need a manual retry.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPathEscape),
		errors.Is(err, ErrScheduleConfig),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidInput
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrErrorState), errors.Is(err, ErrAdd):
		return ReasonErrorState
	default:
		return ReasonTransient
	}
}
