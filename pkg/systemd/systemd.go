// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends service state to systemd.
type Notifier struct {
	watchdog time.Duration
	send     func(state string) (bool, error)
}

func New() *Notifier {
	n := &Notifier{send: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
	if d, err := daemon.SdWatchdogEnabled(false); err == nil {
		n.watchdog = d
	}
	return n
}

func (n *Notifier) Ready() (bool, error)    { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Status(msg string) (bool, error) {
	return n.send("STATUS=" + msg)
}

// WatchdogInterval is WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdog }

// Ping sends WATCHDOG=1. Callers rate-limit it with WatchdogDue.
func (n *Notifier) Ping() (bool, error) { return n.send(daemon.SdNotifyWatchdog) }

// WatchdogDue reports whether a ping is due given the last one. Pings go out
// at half the configured interval.
func (n *Notifier) WatchdogDue(last, now time.Time) bool {
	if n.watchdog <= 0 {
		return false
	}
	return last.IsZero() || now.Sub(last) >= n.watchdog/2
}
