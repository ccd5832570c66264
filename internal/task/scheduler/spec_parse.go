package scheduler

import (
	"fmt"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron: "0 0 5 * *", "0 0 * * 1", "@daily", "@every 5m"
//   - interval: "5m", "1h30m", or "every:5m"
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	if v, ok := strings.CutPrefix(s, "every:"); ok {
		return parseEvery(v)
	}
	if v, ok := strings.CutPrefix(s, "@every"); ok {
		return parseEvery(v)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if ps, err := parseEvery(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 0 5 * *' or a duration like '5m')", raw)
}

func parseEvery(v string) (ParsedSpec, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
