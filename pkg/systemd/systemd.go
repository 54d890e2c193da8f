// Package systemd reports daemon state to the service manager over the
// sd_notify socket. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Ready reports startup completion.
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

// Reloading reports a configuration reload; follow it with Ready.
func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when the unit has no WatchdogSec.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
