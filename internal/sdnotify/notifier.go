// Package sdnotify reports readiness, shutdown and watchdog liveness to
// systemd. Every call is a no-op outside a systemd unit.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tickhub/pkg/logx"
)

// sendFunc matches daemon.SdNotify.
type sendFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	enabled bool
	log     logx.Logger
	send    sendFunc
	// watchdogInterval returns the WatchdogSec interval (0 when disabled).
	watchdogInterval func() (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled: enabled,
		log:     log.With(logx.String("comp", "sdnotify")),
		send:    daemon.SdNotify,
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) notify(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.send(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) { n.notify("STATUS=" + s) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. healthy gates each ping; a nil func always pings. It returns
// immediately when the watchdog is not enabled for this process.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := n.watchdogInterval()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
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
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
