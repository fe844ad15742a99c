package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"codeberg.org/mutker/powerd/internal/config"
	"codeberg.org/mutker/powerd/internal/control"
	"codeberg.org/mutker/powerd/internal/daemon"
	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/hardware"
	"codeberg.org/mutker/powerd/internal/history"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/pid"
	"codeberg.org/mutker/powerd/internal/ppd"
	"codeberg.org/mutker/powerd/internal/profile"
	"codeberg.org/mutker/powerd/internal/upower"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the power profile daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts := []config.Option{config.WithFlags(cmd.Flags())}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}
	return config.Load(opts...)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Str("profiles", cfg.Profiles).Msg("Config loaded")

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove pid file")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hw := hardware.New(hardware.Options{
		SysfsRoot: cfg.SysfsRoot,
		MsrRoot:   cfg.MsrRoot,
		NVML:      true,
	})
	defer func() {
		if err := hw.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down NVML")
		}
	}()

	recorder, err := history.NewService(history.Config{
		DBPath:  cfg.History.Database,
		Enabled: cfg.History.Enabled,
	}, logger.New())
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close history")
		}
	}()

	var conn *dbus.Conn
	if cfg.DBus || cfg.BatteryAware() {
		conn, err = dbus.ConnectSystemBus()
		if err != nil {
			if cfg.BatteryAware() {
				return errors.New().Wrap(errors.ErrBus, err)
			}
			logger.Error().Err(err).Msg("Failed to connect to the system bus, running without power profiles service")
		} else {
			defer conn.Close()
		}
	}

	loader := profile.NewLoader(cfg.Profiles)

	opts := daemon.Options{
		Hardware:     hw,
		Loader:       loader,
		Defaults:     cfg.Default,
		PollInterval: cfg.PollDuration(),
		Recorder:     recorder,
		Logger:       logger.New(),
	}
	var battery *upower.Client
	if conn != nil && cfg.BatteryAware() {
		battery = upower.New(conn, logger.New())
		opts.Battery = battery
	}

	d, err := daemon.New(opts)
	if err != nil {
		return err
	}

	server, err := control.Listen(cfg.Socket, d, logger.New())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	spawn := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				if appErr, ok := errors.AsError(err); ok {
					logger.ErrorWithCode(appErr).Str("task", name).Msg("Background task stopped")
					return
				}
				logger.Error().Err(err).Str("task", name).Msg("Background task stopped")
			}
		}()
	}

	if conn != nil && cfg.DBus {
		svc := ppd.NewService(d, loader, cfg, logger.New())
		bus, err := ppd.Export(conn, svc, logger.New())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to export power profiles service")
		} else {
			d.SetListener(svc)
			spawn("ppd", bus.Run)
		}
	}

	if battery != nil {
		spawn("upower", func(ctx context.Context) error {
			return battery.Watch(ctx, func(bool) { d.Wake() })
		})
	}

	spawn("control", server.Serve)
	spawn("watch", d.WatchProfiles)

	logger.Info().Int("pid", os.Getpid()).Msg("powerd started")

	err = d.Run(ctx)
	stop()
	wg.Wait()

	logger.Info().Msg("Exiting...")
	return err
}
