// Package systemd speaks the sd_notify protocol: readiness, status lines and
// the service watchdog. Every call is a no-op when the process was not
// started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	logx "nagbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	enabled bool
	log     logx.Logger

	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled:  enabled,
		log:      log,
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// Watchdog pings the service watchdog at half the configured WatchdogSec
// until ctx ends. Pings are withheld while healthy reports false, so a stuck
// store makes systemd restart the service. It returns at once when no
// watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	if n == nil || !n.enabled {
		return nil
	}
	every, err := n.watchdog(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		n.log.Debug("systemd watchdog not configured")
		return nil
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	withheld := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if healthy != nil && !healthy() {
			if !withheld {
				n.log.Warn("withholding watchdog ping: service unhealthy")
				withheld = true
			}
			continue
		}
		if withheld {
			n.log.Info("service healthy again; resuming watchdog pings")
			withheld = false
		}
		n.send(daemon.SdNotifyWatchdog)
	}
}
