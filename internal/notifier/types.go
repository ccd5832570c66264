package notifier

import (
	"context"
	"time"
)

type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// Events lists the bus event types that raise an alert.
	Events []string
}

// Alert is one message for operators.
type Alert struct {
	// Key identifies repeats of the same alert; empty disables dedup.
	Key  string
	Text string
}

// Sender delivers alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Delayer is implemented by send errors that carry a server requested
// retry delay.
type Delayer interface {
	RetryAfter() time.Duration
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"error,omitempty"`
}
