package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "studytrack/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// startWatchdog pings systemd at half the WatchdogSec interval when the unit
// enables it.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", every))
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := a.notify(sdWatchdog); err != nil {
					a.log.Debug("systemd watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}
