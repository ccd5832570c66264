// Package partition defines time-window partitions for the taxi pipeline.
//
// A partition key is the window start formatted as YYYY-MM-DD. Monthly
// windows start on the first of the month; weekly windows start on Sunday.
// All window arithmetic is done on calendar dates in UTC.
package partition

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const KeyLayout = "2006-01-02"

type Cadence string

const (
	Monthly Cadence = "monthly"
	Weekly  Cadence = "weekly"
)

var (
	ErrInvalidKey     = errors.New("invalid partition key")
	ErrUnknownCadence = errors.New("unknown partition cadence")
)

// TimeWindow is a partitions definition: every cadence window that starts
// on or after Start and ends on or before End. A zero End means open-ended,
// bounded by "now" at query time.
type TimeWindow struct {
	Cadence Cadence
	Start   time.Time
	End     time.Time
}

// Window is one partition.
type Window struct {
	Key   string    `json:"key"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewMonthly(start, end string) (*TimeWindow, error) { return New(Monthly, start, end) }

func NewWeekly(start, end string) (*TimeWindow, error) { return New(Weekly, start, end) }

func New(c Cadence, start, end string) (*TimeWindow, error) {
	if c != Monthly && c != Weekly {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCadence, c)
	}
	s, err := time.Parse(KeyLayout, strings.TrimSpace(start))
	if err != nil {
		return nil, fmt.Errorf("partition start: %w", err)
	}
	d := &TimeWindow{Cadence: c, Start: s}
	if strings.TrimSpace(end) != "" {
		e, err := time.Parse(KeyLayout, strings.TrimSpace(end))
		if err != nil {
			return nil, fmt.Errorf("partition end: %w", err)
		}
		if !e.After(s) {
			return nil, fmt.Errorf("partition end %s must be after start %s", end, start)
		}
		d.End = e
	}
	return d, nil
}

func (d *TimeWindow) String() string {
	end := "open"
	if !d.End.IsZero() {
		end = d.End.Format(KeyLayout)
	}
	return fmt.Sprintf("%s[%s,%s)", d.Cadence, d.Start.Format(KeyLayout), end)
}

// Equal reports whether two definitions produce the same keys.
func (d *TimeWindow) Equal(o *TimeWindow) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Cadence == o.Cadence && d.Start.Equal(o.Start) && d.End.Equal(o.End)
}

func dateOf(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// floor returns the start of the cadence window containing date t.
func (d *TimeWindow) floor(t time.Time) time.Time {
	t = dateOf(t)
	switch d.Cadence {
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.AddDate(0, 0, -int(t.Weekday()))
	}
}

func (d *TimeWindow) next(start time.Time) time.Time {
	if d.Cadence == Monthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 7)
}

// first is the start of the first window that begins on or after Start.
func (d *TimeWindow) first() time.Time {
	f := d.floor(d.Start)
	if f.Before(d.Start) {
		f = d.next(f)
	}
	return f
}

// limit is the latest instant a window may end at.
func (d *TimeWindow) limit(now time.Time) time.Time {
	n := dateOf(now)
	if d.End.IsZero() || n.Before(d.End) {
		return n
	}
	return d.End
}

// Windows lists every partition that exists at now, oldest first.
func (d *TimeWindow) Windows(now time.Time) []Window {
	lim := d.limit(now)
	var out []Window
	for s := d.first(); ; s = d.next(s) {
		e := d.next(s)
		if e.After(lim) {
			break
		}
		out = append(out, Window{Key: s.Format(KeyLayout), Start: s, End: e})
	}
	return out
}

func (d *TimeWindow) Keys(now time.Time) []string {
	ws := d.Windows(now)
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Key
	}
	return out
}

// Window parses key and returns its bounds. It does not check that the
// partition exists; use Contains for that.
func (d *TimeWindow) Window(key string) (Window, error) {
	s, err := time.Parse(KeyLayout, strings.TrimSpace(key))
	if err != nil {
		return Window{}, fmt.Errorf("%w %q: %v", ErrInvalidKey, key, err)
	}
	if !d.floor(s).Equal(s) {
		return Window{}, fmt.Errorf("%w %q: not a %s window start", ErrInvalidKey, key, d.Cadence)
	}
	return Window{Key: s.Format(KeyLayout), Start: s, End: d.next(s)}, nil
}

// Contains reports whether key is a partition that exists at now.
func (d *TimeWindow) Contains(key string, now time.Time) bool {
	w, err := d.Window(key)
	if err != nil {
		return false
	}
	return !w.Start.Before(d.Start) && !w.End.After(d.limit(now))
}

// LastCompleteKey returns the most recent partition whose window ended at
// or before t. ok is false when that window is outside the definition, e.g.
// a tick after End or before the first window closed.
func (d *TimeWindow) LastCompleteKey(t time.Time) (string, bool) {
	end := d.floor(t)
	start := end.AddDate(0, -1, 0)
	if d.Cadence == Weekly {
		start = end.AddDate(0, 0, -7)
	}
	key := start.Format(KeyLayout)
	if start.Before(d.Start) || (!d.End.IsZero() && end.After(d.End)) {
		return key, false
	}
	return key, true
}

// KeysBetween returns existing partitions with from <= key <= to. Empty
// bounds are unbounded.
func (d *TimeWindow) KeysBetween(from, to string, now time.Time) ([]string, error) {
	var lo, hi time.Time
	if from != "" {
		w, err := d.Window(from)
		if err != nil {
			return nil, err
		}
		lo = w.Start
	}
	if to != "" {
		w, err := d.Window(to)
		if err != nil {
			return nil, err
		}
		hi = w.Start
	}
	if !lo.IsZero() && !hi.IsZero() && hi.Before(lo) {
		return nil, fmt.Errorf("backfill range %s..%s is reversed", from, to)
	}
	var out []string
	for _, w := range d.Windows(now) {
		if (!lo.IsZero() && w.Start.Before(lo)) || (!hi.IsZero() && w.Start.After(hi)) {
			continue
		}
		out = append(out, w.Key)
	}
	return out, nil
}

// MonthOf returns the YYYY-MM month of a partition key. Raw file names and
// the trips partition_date column both use it.
func MonthOf(key string) string {
	key = strings.TrimSpace(key)
	if len(key) < 3 {
		return key
	}
	return key[:len(key)-3]
}
