// Package scheduler computes absolute resume times for deferred flow steps and
// periodically resumes the sessions whose scheduled step is due.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"
)

// Spec is the relative scheduling request carried by a schedule step.
// Exactly one mode is used: DelayHours, DelayDays (optionally at ResumeTime),
// or ResumeWeekday at ResumeTime.
type Spec struct {
	DelayHours    int    `yaml:"delay_hours,omitempty" json:"delay_hours,omitempty"`
	DelayDays     int    `yaml:"delay_days,omitempty" json:"delay_days,omitempty"`
	ResumeTime    string `yaml:"resume_time,omitempty" json:"resume_time,omitempty"` // HH:MM, local
	ResumeWeekday string `yaml:"resume_weekday,omitempty" json:"resume_weekday,omitempty"`
	Timezone      string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

var (
	ErrNoScheduleMode     = errors.New("schedule needs delay_hours, delay_days or resume_weekday")
	ErrAmbiguousSchedule  = errors.New("schedule mixes delay_hours, delay_days and resume_weekday")
	ErrWeekdayNeedsTime   = errors.New("resume_weekday requires resume_time")
	ErrNegativeScheduling = errors.New("schedule delays must not be negative")
)

// Validate checks that the spec selects exactly one mode with well-formed values.
func (s Spec) Validate() error {
	if s.DelayHours < 0 || s.DelayDays < 0 {
		return ErrNegativeScheduling
	}
	modes := 0
	if s.DelayHours > 0 {
		modes++
	}
	if s.DelayDays > 0 || (s.ResumeTime != "" && s.ResumeWeekday == "") {
		modes++
	}
	if s.ResumeWeekday != "" {
		modes++
		if s.ResumeTime == "" {
			return ErrWeekdayNeedsTime
		}
		if _, err := ParseWeekday(s.ResumeWeekday); err != nil {
			return err
		}
	}
	switch {
	case modes == 0:
		return ErrNoScheduleMode
	case modes > 1:
		return ErrAmbiguousSchedule
	}
	if s.ResumeTime != "" {
		if _, _, err := parseClock(s.ResumeTime); err != nil {
			return err
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// ExecuteAt returns the absolute UTC instant the spec resolves to when
// requested at now in loc. Weekday specs resolve to the next occurrence
// strictly after now; a same-day time that has already passed rolls to +7 days.
func (s Spec) ExecuteAt(now time.Time, loc *time.Location) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	switch {
	case s.DelayHours > 0:
		return local.Add(time.Duration(s.DelayHours) * time.Hour).UTC(), nil

	case s.ResumeWeekday != "":
		target, _ := ParseWeekday(s.ResumeWeekday)
		hour, minute, _ := parseClock(s.ResumeTime)
		daysAhead := (int(target) - int(local.Weekday()) + 7) % 7
		candidate := time.Date(local.Year(), local.Month(), local.Day()+daysAhead, hour, minute, 0, 0, loc)
		if !candidate.After(local) {
			candidate = time.Date(local.Year(), local.Month(), local.Day()+daysAhead+7, hour, minute, 0, 0, loc)
		}
		return candidate.UTC(), nil

	default:
		if s.ResumeTime == "" {
			return local.AddDate(0, 0, s.DelayDays).UTC(), nil
		}
		hour, minute, _ := parseClock(s.ResumeTime)
		candidate := time.Date(local.Year(), local.Month(), local.Day()+s.DelayDays, hour, minute, 0, 0, loc)
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.UTC(), nil
	}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full English day names and common abbreviations, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return time.Sunday, fmt.Errorf("invalid weekday %q", s)
	}
	return wd, nil
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resume_time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid resume_time %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid resume_time %q: bad minute", s)
	}
	return hour, minute, nil
}
