package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Seconds are optional so maintenance tasks can run more often than once a
// minute in tests and small clusters.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
}

// ParseSchedule accepts a cron expression with optional seconds, a cron
// descriptor such as "@hourly" or "@every 5s", or an interval written as
// "every 10m" or "every 2 hours".
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("schedule expression cannot be empty")
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(expr), "every "); ok {
		every, err := parseInterval(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval expression %q: %w", expr, err)
		}
		return cron.Every(every), nil
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// parseInterval reads "<count><unit>" or "<count> <unit>".
func parseInterval(s string) (time.Duration, error) {
	digits := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if digits <= 0 {
		return 0, errors.New("expected 'every <number> <unit>', e.g. 'every 5m'")
	}
	count, err := strconv.Atoi(s[:digits])
	if err != nil || count <= 0 {
		return 0, errors.New("interval must be a positive integer")
	}
	unitName := strings.TrimSpace(s[digits:])
	unit, ok := intervalUnits[unitName]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", unitName)
	}
	return time.Duration(count) * unit, nil
}

// ValidateSchedule reports whether expr is a valid schedule.
func ValidateSchedule(expr string) error {
	_, err := ParseSchedule(expr)
	return err
}
