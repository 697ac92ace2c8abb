package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoRepeat is returned for an empty repeat expression.
var ErrNoRepeat = errors.New("no repeat expression")

// Five-field cron (minute hour dom month dow) plus descriptors such as
// "@hourly" or "@every 90s". A leading "CRON_TZ=Europe/Berlin " sets the zone.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a timer repeat expression.
func Parse(repeat string) (cron.Schedule, error) {
	if repeat == "" {
		return nil, ErrNoRepeat
	}
	s, err := parser.Parse(repeat)
	if err != nil {
		return nil, fmt.Errorf("invalid repeat %q: %w", repeat, err)
	}
	return s, nil
}

// NextRun returns the first occurrence of repeat strictly after from.
func NextRun(repeat string, from time.Time) (time.Time, error) {
	s, err := Parse(repeat)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("repeat %q never fires after %s", repeat, from.Format(time.RFC3339))
	}
	return next, nil
}

// NextAfter returns the first occurrence after from that is also later than
// now, so a timer that fell behind does not replay every missed occurrence.
func NextAfter(repeat string, from, now time.Time) (time.Time, error) {
	s, err := Parse(repeat)
	if err != nil {
		return time.Time{}, err
	}
	if from.Before(now) {
		from = now
	}
	next := s.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("repeat %q never fires after %s", repeat, from.Format(time.RFC3339))
	}
	return next, nil
}
