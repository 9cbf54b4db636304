// Package timespec parses the --since/--until flags of the read commands.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse resolves spec against the current time. See ParseAt.
func Parse(spec string) (time.Time, error) {
	return ParseAt(spec, time.Now())
}

// ParseAt resolves a time specification relative to now.
//
// Accepted forms:
//   - Go durations, meaning "ago": "90m", "1h30m"
//   - whole days, meaning "ago": "7d"
//   - RFC3339 timestamps: "2026-10-19T13:00:00Z"
//   - calendar dates at UTC midnight: "2026-10-19"
func ParseAt(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, spec); err == nil {
		return t, nil
	}

	if days, ok := strings.CutSuffix(spec, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}

	if d, err := time.ParseDuration(spec); err == nil && d >= 0 {
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or '7d', a date like '2026-10-19', or RFC3339)", spec)
}

// Range is a half-open window in Unix milliseconds. Zero means unbounded.
type Range struct {
	SinceMs int64
	UntilMs int64
}

// ParseRange parses the --since and --until flags and checks their order.
func ParseRange(since, until string, now time.Time) (Range, error) {
	var r Range

	if since != "" {
		t, err := ParseAt(since, now)
		if err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
		r.SinceMs = t.UnixMilli()
	}

	if until != "" {
		t, err := ParseAt(until, now)
		if err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
		r.UntilMs = t.UnixMilli()
	}

	if r.SinceMs > 0 && r.UntilMs > 0 && r.SinceMs >= r.UntilMs {
		return Range{}, fmt.Errorf("--since must be before --until")
	}

	return r, nil
}
