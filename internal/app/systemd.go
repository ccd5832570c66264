package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taxiflow/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd (no
// NOTIFY_SOCKET) every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func newSdNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log.With(logx.Comp("systemd")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(states ...string) {
	for _, st := range states {
		if _, err := n.notify(st); err != nil {
			n.log.Debug("sd_notify failed", logx.String("state", st), logx.Err(err))
		}
	}
}

func (n *sdNotifier) Ready(status string) {
	n.send(daemon.SdNotifyReady, "STATUS="+status)
}

func (n *sdNotifier) Reloading() { n.send(daemon.SdNotifyReloading) }

func (n *sdNotifier) Reloaded(status string) {
	n.send(daemon.SdNotifyReady, "STATUS="+status)
}

func (n *sdNotifier) Stopping(reason StopReason) {
	n.send(daemon.SdNotifyStopping, "STATUS=stopping: "+string(reason))
}

// Watchdog pings at half the WatchdogSec interval while healthy reports
// true. It returns nil at once when the unit has no watchdog.
func (n *sdNotifier) Watchdog(ctx context.Context, healthy func() bool) error {
	every, err := n.watchdog()
	if err != nil || every <= 0 {
		return nil
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping withheld: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
