package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/coreos/go-systemd/v22/daemon"

	"chatcore/internal/app"
	"chatcore/internal/config"
)

type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the chat delivery service."`
	Check   CheckCmd   `cmd:"" help:"Validate the configuration file and exit."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file (.yaml or .json)." default:"chatcore.yaml" env:"CHATCORE_CONFIG" type:"path"`
	EnvFile  string `name:"env-file" help:"Dotenv file loaded before the config." default:".env" type:"path"`
	LogLevel string `name:"log-level" help:"Override logging.level (debug, info, warn, error)."`
}

// prepare seeds the environment so overrides also survive config reloads.
func (c *CLI) prepare() error {
	if err := config.LoadEnv(c.EnvFile); err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	if c.LogLevel != "" {
		if err := os.Setenv(config.EnvLogLevel, c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI) error {
	if err := cli.prepare(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == syscall.SIGINT {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	cancel()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
	}
	return stopErr
}

// watchdog pings systemd at half the WatchdogSec interval when enabled.
func watchdog(ctx context.Context) {
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
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	if err := cli.prepare(); err != nil {
		return err
	}
	cfg, err := config.NewManager(cli.Config).Parse()
	if err != nil {
		return err
	}
	if err := app.Check(cfg); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d rate limits, %d caches, transport=%s, storage=%s)\n",
		cli.Config, len(cfg.RateLimits), len(cfg.Caches), cfg.Transport.Driver, cfg.Storage.Driver)
	return nil
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Println("chatcore", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("chatcore"),
		kong.Description("Real-time chat delivery core: rate limiting, room broadcast and caching."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
