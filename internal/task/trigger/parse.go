package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Parsed is a schedule string after normalization.
type Parsed struct {
	Kind  Kind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts:
//   - cron expressions, with optional seconds: "*/5 * * * *", "@hourly", "@every 55m"
//   - Go durations: "55m", "2h30m"
//   - HH:MM intervals: "00:50" is fifty minutes
//
// The prefixes "cron:" and "every:" (or "interval:") force one reading.
func ParseSchedule(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Parsed{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Parsed{Kind: KindCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"), strings.HasPrefix(low, "interval:"):
		_, v, _ := strings.Cut(s, ":")
		d, err := parseInterval(v)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{Kind: KindInterval, Every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Parsed{Kind: KindCron, Cron: s}, nil
	}

	d, err := parseInterval(s)
	if err != nil {
		return Parsed{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
	}
	return Parsed{Kind: KindInterval, Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
