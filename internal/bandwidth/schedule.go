// Package bandwidth resolves the transfer limits that apply at a given
// wall-clock time.
package bandwidth

import (
	"strings"
	"time"

	"torrentdesk/internal/domain"
)

// ActiveLimits returns the limits of the first rule whose window contains
// the local time of day of now, or global when none does. Seconds are
// ignored; windows have minute precision.
func ActiveLimits(now time.Time, rules []domain.ScheduleRule, global domain.Limits) domain.Limits {
	at := ClockOf(now)
	for _, r := range rules {
		if Matches(r, at) {
			return r.Limits()
		}
	}
	return global
}

// Matches reports whether at falls inside [r.Start, r.End). A window with
// End before Start wraps past midnight. A zero-length window never matches.
func Matches(r domain.ScheduleRule, at domain.ClockTime) bool {
	switch {
	case r.Start == r.End:
		return false
	case r.Start < r.End:
		return at >= r.Start && at < r.End
	default:
		return at >= r.Start || at < r.End
	}
}

// ClockOf truncates t to a minute-precision time of day in t's location.
func ClockOf(t time.Time) domain.ClockTime {
	return domain.Clock(t.Hour(), t.Minute())
}

// ParseRules converts user input into rules. The first malformed rule is
// reported as a *domain.ScheduleConfigError.
func ParseRules(raw []domain.RawScheduleRule) ([]domain.ScheduleRule, error) {
	rules := make([]domain.ScheduleRule, 0, len(raw))
	for i, r := range raw {
		start, err := domain.ParseClock(r.Start)
		if err != nil {
			return nil, &domain.ScheduleConfigError{Index: i, Field: "start", Value: r.Start, Reason: reasonOf(err)}
		}
		end, err := domain.ParseClock(r.End)
		if err != nil {
			return nil, &domain.ScheduleConfigError{Index: i, Field: "end", Value: r.End, Reason: reasonOf(err)}
		}
		rule := domain.ScheduleRule{Start: start, End: end, DownloadLimit: r.DL, UploadLimit: r.UL}
		if err := validateRule(i, rule); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ValidateRules checks already-typed rules, e.g. ones loaded from the store.
func ValidateRules(rules []domain.ScheduleRule) error {
	for i, r := range rules {
		if err := validateRule(i, r); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(i int, r domain.ScheduleRule) error {
	if !r.Start.Valid() {
		return &domain.ScheduleConfigError{Index: i, Field: "start", Reason: "time of day out of range"}
	}
	if !r.End.Valid() {
		return &domain.ScheduleConfigError{Index: i, Field: "end", Reason: "time of day out of range"}
	}
	if r.DownloadLimit < 0 {
		return &domain.ScheduleConfigError{Index: i, Field: "dl", Reason: "must not be negative"}
	}
	if r.UploadLimit < 0 {
		return &domain.ScheduleConfigError{Index: i, Field: "ul", Reason: "must not be negative"}
	}
	return nil
}

func reasonOf(err error) string {
	return strings.TrimPrefix(err.Error(), domain.ErrInvalidInput.Error()+": ")
}
