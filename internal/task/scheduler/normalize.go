package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalize turns a schedule string into a spec the cron parser accepts.
//
//   - cron fields or descriptors pass through: "0 3 * * *", "@daily", "@every 12h"
//   - "cron:<expr>" forces cron
//   - a Go duration ("12h") or HH:MM ("24:00") becomes "@every <d>"
//   - "every:" and "interval:" prefixes force the interval forms
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("empty cron expression after %q", "cron:")
		}
		return expr, nil
	case strings.HasPrefix(low, "every:"):
		return every(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return every(s[len("interval:"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return s, nil
	}
	spec, err := every(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q: want cron ('0 3 * * *'), a duration ('12h') or HH:MM ('24:00')", raw)
	}
	return spec, nil
}

func every(v string) (string, error) {
	d, err := interval(strings.TrimSpace(v))
	if err != nil {
		return "", err
	}
	return "@every " + d.String(), nil
}

// interval parses "12h" or "HH:MM" (hours may exceed 24) into a positive duration.
func interval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if h, m, ok := strings.Cut(v, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || len(m) != 2 || hh < 0 || mm < 0 || mm > 59 {
			return 0, fmt.Errorf("invalid HH:MM %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
