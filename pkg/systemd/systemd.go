// Package systemd reports service state to the systemd manager over the
// notify socket. Outside systemd (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"time"

	logx "autobackup/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func New(log logx.Logger) *Notifier {
	return &Notifier{
		log: log,
		send: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

func (n *Notifier) notify(state string) bool {
	if n == nil || n.send == nil {
		return false
	}
	ok, err := n.send(state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports startup complete. It returns false when not under systemd.
func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

// Stopping reports that shutdown has begun.
func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(s string) bool { return n.notify("STATUS=" + s) }

// Watchdog pings the service watchdog.
func (n *Notifier) Watchdog() bool { return n.notify(daemon.SdNotifyWatchdog) }

// WatchdogInterval returns how often Watchdog should be called, or 0 when the
// unit has no WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}
