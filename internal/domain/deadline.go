package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Deadline is an optional task deadline: a date and an optional
// start/end window on that date.
type Deadline struct {
	Date  string
	Start *string
	End   *string
}

var (
	deadlineRE = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}|\d{2}\.\d{2}\.\d{4})(?:\s*,?\s*(\d{1,2}:\d{2})\s*[-–—]\s*(\d{1,2}:\d{2}))?$`)
)

// ParseDeadline accepts "2025-03-01", "2025-03-01, 09:00–17:00" and the
// same forms with a DD.MM.YYYY date. Hyphen, en dash and em dash all
// separate the window.
func ParseDeadline(raw string) (Deadline, error) {
	raw = strings.TrimSpace(raw)
	m := deadlineRE.FindStringSubmatch(raw)
	if m == nil {
		return Deadline{}, fmt.Errorf("unrecognised deadline %q; expected YYYY-MM-DD[, HH:MM-HH:MM]", raw)
	}
	date, err := normaliseDate(m[1])
	if err != nil {
		return Deadline{}, err
	}
	d := Deadline{Date: date}
	if m[2] == "" {
		return d, nil
	}
	start, err := normaliseClock(m[2])
	if err != nil {
		return Deadline{}, err
	}
	end, err := normaliseClock(m[3])
	if err != nil {
		return Deadline{}, err
	}
	if end <= start {
		return Deadline{}, fmt.Errorf("deadline window %s-%s ends before it starts", start, end)
	}
	d.Start, d.End = &start, &end
	return d, nil
}

// NewDeadline builds a deadline from separately supplied parts.
func NewDeadline(date, start, end string) (Deadline, error) {
	if date == "" {
		if start != "" || end != "" {
			return Deadline{}, fmt.Errorf("time window given without a deadline date")
		}
		return Deadline{}, nil
	}
	raw := date
	if start != "" || end != "" {
		if start == "" || end == "" {
			return Deadline{}, fmt.Errorf("both start and end time are required")
		}
		raw = date + ", " + start + "-" + end
	}
	return ParseDeadline(raw)
}

// Cutoff is the instant after which the deadline has passed. With an end
// time it is that time on the deadline date; without one it is the end of
// the deadline date itself.
func (d Deadline) Cutoff(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(DateLayout, d.Date, loc)
	if err != nil {
		return time.Time{}, err
	}
	if d.End == nil {
		return day.AddDate(0, 0, 1), nil
	}
	clock, err := time.Parse(ClockLayout, *d.End)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// String renders the deadline the way it is accepted by ParseDeadline.
func (d Deadline) String() string {
	if d.Date == "" {
		return ""
	}
	if d.Start == nil || d.End == nil {
		return d.Date
	}
	return d.Date + ", " + *d.Start + "–" + *d.End
}

// TaskDeadline extracts the deadline stored on a task, if any.
func TaskDeadline(t Task) (Deadline, bool) {
	if t.DeadlineDate == nil || *t.DeadlineDate == "" {
		return Deadline{}, false
	}
	return Deadline{Date: *t.DeadlineDate, Start: t.StartTime, End: t.EndTime}, true
}

func normaliseDate(s string) (string, error) {
	layout := DateLayout
	if strings.Contains(s, ".") {
		layout = "02.01.2006"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return "", fmt.Errorf("invalid deadline date %q", s)
	}
	return t.Format(DateLayout), nil
}

func normaliseClock(s string) (string, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return "", fmt.Errorf("invalid time %q", s)
	}
	return t.Format(ClockLayout), nil
}
