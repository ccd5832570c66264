package scheduler

import (
	"errors"
	"time"

	logx "taxiflow/pkg/logx"
)

const triggerWarnThrottle = 5 * time.Second

// Skipped marks a trigger that intentionally launched nothing (overlap,
// tick outside the partition range). It is logged at debug level.
type Skipped struct{ Reason string }

func (e Skipped) Error() string { return "skipped: " + e.Reason }

func (s *Service) reportError(name string, err error) {
	var sk Skipped
	if errors.As(err, &sk) {
		s.log.Debug("schedule tick skipped", logx.String("schedule", name), logx.String("reason", sk.Reason))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < triggerWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule trigger failed", logx.String("schedule", name), logx.Err(err))
}
