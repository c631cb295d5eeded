package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"recurq/internal/app"
	"recurq/internal/config"
	"recurq/internal/eventbus"
	logx "recurq/pkg/logx"
)

const stopTimeout = 10 * time.Second

func newRunCmd(cfgFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgFn())
		},
	}
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	log := a.Logger().With(logx.String("comp", "main"))

	notify(log, daemon.SdNotifyReady)
	go watchdog(ctx, log)
	go notifyReloads(ctx, a.Bus(), log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				log.Info("reload requested")
				if err := a.Reload(ctx); err != nil && !errors.Is(err, config.ErrUnchanged) {
					log.Warn("reload failed", logx.Err(err))
				}
				continue
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			default:
				reason = app.StopSIGINT
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case <-parent.Done():
			reason = app.StopAppStop
			break loop
		}
	}

	notify(log, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}

// notifyReloads reports each applied config reload to systemd.
func notifyReloads(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	events, unsub := bus.Subscribe(8, eventbus.TypeConfigReloaded)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			notify(log, daemon.SdNotifyReloading)
			notify(log, daemon.SdNotifyReady)
		}
	}
}
