package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"

	"notifd/internal/app"
	"notifd/internal/config"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "HEAD"
)

func build() string {
	v, c := version, commit
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
				}
			}
		}
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return fmt.Sprintf("%s (%s)", v, c)
}

func main() {
	cmd := &cli.Command{
		Name:    "notifd",
		Usage:   "notification broker with reminders and cross-device sync",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (json or yaml)",
				Sources: cli.EnvVars("NOTIFD_CONFIG"),
				Value:   "./notifd.json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the notification service",
				Action: serve,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "stop-timeout",
						Usage: "upper bound for graceful shutdown",
						Value: 10 * time.Second,
					},
				},
			},
			{
				Name:   "check",
				Usage:  "validate the config file and exit",
				Action: check,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, c *cli.Command) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
		defer stop()
		return errors.Join(err, a.Stop(stopCtx, app.StopFatalError))
	}
	// Not running under systemd is fine: SdNotify reports (false, nil).
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-ctx.Done():
		reason = app.StopAppStop
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
	defer stop()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func check(_ context.Context, c *cli.Command) error {
	cfg, err := app.Check(c.String("config"))
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %s\n", c.String("config"))
	fmt.Printf("  storage: %s\n", storageSummary(cfg))
	fmt.Printf("  sync: %t, debug: %t, slot overrides: %d\n", cfg.Sync.Enabled, cfg.Debug.Enabled, len(cfg.Slots))
	return nil
}

func storageSummary(cfg *config.Config) string {
	if cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Driver) == "" {
		return "none"
	}
	return cfg.Storage.Driver
}
