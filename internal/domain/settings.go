package domain

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

func (t Theme) Valid() bool {
	return t == ThemeDark || t == ThemeLight
}

// ClockTime is a time of day with minute precision, stored as minutes since
// midnight. Its text form is "HH:MM".
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClock parses "HH:MM" with a 24-hour clock. Single-digit hours are
// accepted.
func ParseClock(raw string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || len(mm) != 2 || hh == "" || len(hh) > 2 {
		return 0, fmt.Errorf("%w: time of day must be HH:MM", ErrInvalidInput)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: hour out of range", ErrInvalidInput)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: minute out of range", ErrInvalidInput)
	}
	return ClockTime(h*60 + m), nil
}

// Clock builds a ClockTime from an hour and minute. Out of range values wrap.
func Clock(hour, minute int) ClockTime {
	v := (hour*60 + minute) % minutesPerDay
	if v < 0 {
		v += minutesPerDay
	}
	return ClockTime(v)
}

func (c ClockTime) Valid() bool {
	return c >= 0 && c < minutesPerDay
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: clock value %d", ErrInvalidInput, int(c))
	}
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(text []byte) error {
	v, err := ParseClock(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ScheduleRule is a recurring daily window [Start, End). End before Start
// wraps past midnight; Start equal to End disables the rule.
type ScheduleRule struct {
	Start         ClockTime `json:"start"`
	End           ClockTime `json:"end"`
	DownloadLimit int64     `json:"dl"`
	UploadLimit   int64     `json:"ul"`
}

func (r ScheduleRule) Limits() Limits {
	return Limits{Download: r.DownloadLimit, Upload: r.UploadLimit}
}

// RawScheduleRule is the user-supplied form of a rule before validation.
type RawScheduleRule struct {
	Start string `json:"start"`
	End   string `json:"end"`
	DL    int64  `json:"dl"`
	UL    int64  `json:"ul"`
}

// Settings is the process-wide singleton. Limits are KiB/s, 0 = unlimited.
type Settings struct {
	SchemaVersion       int            `json:"schema_version"`
	DownloadPath        string         `json:"download_path"`
	Theme               Theme          `json:"theme"`
	GlobalDownloadLimit int64          `json:"global_download_limit"`
	GlobalUploadLimit   int64          `json:"global_upload_limit"`
	BandwidthSchedules  []ScheduleRule `json:"bandwidth_schedules"`
}

// DefaultSettings materializes first-run settings.
func DefaultSettings(downloadPath string) Settings {
	return Settings{
		SchemaVersion:      RecordSchemaVersion,
		DownloadPath:       downloadPath,
		Theme:              ThemeDark,
		BandwidthSchedules: []ScheduleRule{},
	}
}

func (s Settings) Clone() Settings {
	out := s
	out.BandwidthSchedules = append([]ScheduleRule{}, s.BandwidthSchedules...)
	return out
}

func (s Settings) GlobalLimits() Limits {
	return Limits{Download: s.GlobalDownloadLimit, Upload: s.GlobalUploadLimit}
}

// Validate checks the fields that can be checked without touching the
// filesystem. Existence of the download path is verified by the caller.
func (s Settings) Validate() error {
	if s.SchemaVersion > RecordSchemaVersion {
		return fmt.Errorf("%w: settings version %d is newer than %d", ErrSchemaVersion, s.SchemaVersion, RecordSchemaVersion)
	}
	if s.DownloadPath == "" || !filepath.IsAbs(s.DownloadPath) {
		return fmt.Errorf("%w: download path must be absolute", ErrInvalidInput)
	}
	if !s.Theme.Valid() {
		return fmt.Errorf("%w: theme must be dark or light", ErrInvalidInput)
	}
	if err := s.GlobalLimits().Validate(); err != nil {
		return err
	}
	for i, r := range s.BandwidthSchedules {
		if !r.Start.Valid() || !r.End.Valid() {
			return &ScheduleConfigError{Index: i, Field: "start/end", Reason: "time of day out of range"}
		}
		if r.DownloadLimit < 0 || r.UploadLimit < 0 {
			return &ScheduleConfigError{Index: i, Field: "dl/ul", Reason: "limits must not be negative"}
		}
	}
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	DownloadPath        *string            `json:"download_path,omitempty"`
	Theme               *Theme             `json:"theme,omitempty"`
	GlobalDownloadLimit *int64             `json:"global_download_limit,omitempty"`
	GlobalUploadLimit   *int64             `json:"global_upload_limit,omitempty"`
	BandwidthSchedules  *[]RawScheduleRule `json:"bandwidth_schedules,omitempty"`
}

func (p SettingsPatch) Empty() bool {
	return p.DownloadPath == nil && p.Theme == nil && p.GlobalDownloadLimit == nil &&
		p.GlobalUploadLimit == nil && p.BandwidthSchedules == nil
}
