package systemd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierSendsStates(t *testing.T) {
	var sent []string
	n := &Notifier{send: func(s string) (bool, error) { sent = append(sent, s); return true, nil }}

	_, _ = n.Ready()
	_, _ = n.Status("3 call-outs")
	_, _ = n.Ping()
	_, _ = n.Stopping()
	require.Equal(t, []string{"READY=1", "STATUS=3 call-outs", "WATCHDOG=1", "STOPPING=1"}, sent)
}

func TestWatchdogDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	off := &Notifier{}
	require.False(t, off.WatchdogDue(time.Time{}, now))

	n := &Notifier{watchdog: 10 * time.Second}
	require.True(t, n.WatchdogDue(time.Time{}, now))
	require.False(t, n.WatchdogDue(now, now.Add(4*time.Second)))
	require.True(t, n.WatchdogDue(now, now.Add(5*time.Second)))
}
