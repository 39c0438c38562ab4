package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/config"
	"github.com/chaz8081/vitals-bridge/internal/driver"
	_ "github.com/chaz8081/vitals-bridge/internal/driver/omron"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
	"github.com/chaz8081/vitals-bridge/internal/scheduler"
	"github.com/chaz8081/vitals-bridge/internal/session"
	"github.com/chaz8081/vitals-bridge/internal/sink"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagDevice   = "device"
	flagTimeout  = "timeout"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vitals-bridge:", err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.App {
	deviceFlag := &cli.StringFlag{
		Name:     flagDevice,
		Aliases:  []string{"d"},
		Usage:    "device `ID` from the config file",
		Required: true,
	}
	return &cli.App{
		Name:  "vitals-bridge",
		Usage: "read Omron health devices over BLE and write the readings to InfluxDB",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "path to config file (default: ~/.config/vitals-bridge/config.yaml)",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "override log_level from the config (debug, info, warn, error)",
			},
		},
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll every configured device until interrupted",
				Action: runDaemon,
			},
			{
				Name:      "pair",
				Usage:     "register the configured secret with a device in pairing mode",
				UsageText: "Bond the device with bluetoothctl first, then hold its Bluetooth button until it shows \"P\" and run this command.",
				Flags:     []cli.Flag{deviceFlag},
				Action:    runPair,
			},
			{
				Name:   "sync-time",
				Usage:  "set a device's clock to the current time in its time zone",
				Flags:  []cli.Flag{deviceFlag},
				Action: runSyncTime,
			},
			{
				Name:  "scan",
				Usage: "list nearby Omron devices",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: flagTimeout, Value: 10 * time.Second, Usage: "how long to scan"},
				},
				Action: runScan,
			},
			{
				Name:   "init",
				Usage:  "write an example config file",
				Action: runInit,
			},
		},
	}
}

// exitCode is 2 for configuration errors and 1 otherwise.
func exitCode(err error) int {
	if failure.ClassOf(err) == failure.ClassConfig {
		return 2
	}
	return 1
}

// loadConfig loads and validates the config from the --config path, or the
// default path.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("no config file at %s, run 'vitals-bridge init' to create one: %w", path, failure.ErrConfig)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if lvl := c.String(flagLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// newRadio enables the system adapter and caps its concurrent links.
func newRadio(cfg *config.Config) (*ble.Radio, error) {
	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return ble.NewRadio(adapter, cfg.BLE.MaxConnections), nil
}

func driverDeps(cfg *config.Config, adapter ble.Adapter, logger *slog.Logger) driver.Deps {
	return driver.Deps{
		Adapter: adapter,
		Session: session.Options{
			ConnectTimeout:   cfg.BLE.ConnectTimeout,
			OperationTimeout: cfg.BLE.OperationTimeout,
		},
		AdvertisementTimeout: cfg.BLE.AdvertisementTimeout,
		Clock:                clock.New(),
		Logger:               logger,
	}
}

// buildTasks creates a driver for every configured device.
func buildTasks(cfg *config.Config, deps driver.Deps) ([]scheduler.Task, error) {
	tasks := make([]scheduler.Task, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		drv, err := driver.New(dev, deps)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.ID, err)
		}
		tasks = append(tasks, scheduler.Task{Device: dev, Driver: drv})
	}
	return tasks, nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	printBanner(os.Stdout, cfg)

	radio, err := newRadio(cfg)
	if err != nil {
		return err
	}
	tasks, err := buildTasks(cfg, driverDeps(cfg, radio, logger))
	if err != nil {
		return err
	}

	out := sink.NewInfluxSink(cfg.Sink, logger)
	defer out.Close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	s := scheduler.New(tasks, out, scheduler.OptionsFromConfig(cfg.Scheduler), nil, logger)
	if err := s.Run(ctx); err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}

// deviceDriver loads the config and builds the driver named by --device.
func deviceDriver(c *cli.Context) (config.Device, driver.Driver, *slog.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return config.Device{}, nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	id := c.String(flagDevice)
	dev, ok := cfg.Device(id)
	if !ok {
		return config.Device{}, nil, nil, fmt.Errorf("device %q is not in the config: %w", id, failure.ErrConfig)
	}
	radio, err := newRadio(cfg)
	if err != nil {
		return config.Device{}, nil, nil, err
	}
	drv, err := driver.New(dev, driverDeps(cfg, radio, logger))
	if err != nil {
		return config.Device{}, nil, nil, err
	}
	return dev, drv, logger, nil
}

func runPair(c *cli.Context) error {
	dev, drv, logger, err := deviceDriver(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	fmt.Printf("Waiting for %s (%s) to advertise. Put it in pairing mode now.\n", dev.ID, dev.Address)
	if err := drv.Pair(ctx, dev.Key()); err != nil {
		return fmt.Errorf("pair %s: %w", dev.ID, err)
	}
	logger.Info("paired", "device", dev.ID)
	fmt.Printf("Paired %s.\n", dev.ID)
	return nil
}

func runSyncTime(c *cli.Context) error {
	dev, drv, logger, err := deviceDriver(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	now := time.Now()
	if err := drv.SyncTime(ctx, now); err != nil {
		return fmt.Errorf("sync time on %s: %w", dev.ID, err)
	}
	logger.Info("clock set", "device", dev.ID, "time", now.In(dev.Location()).Format(time.DateTime))
	return nil
}

func runScan(c *cli.Context) error {
	newLogger(c.String(flagLogLevel))
	ctx, stop := signalContext(c.Context)
	defer stop()

	// Every supported family advertises under the Omron company id.
	info, err := family.Lookup(family.OmronHEM7361T)
	if err != nil {
		return err
	}
	devices, err := ble.ScanForDevices(ctx, ble.NewTinyGoAdapter(), info.CompanyID, c.Duration(flagTimeout))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No Omron devices found. Make sure the device is awake (press its Bluetooth button).")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\n", d.MAC, d.Name, d.RSSI)
	}
	return w.Flush()
}

func runInit(_ *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote example config to %s\n", path)
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "=== vitals-bridge ===")
	fmt.Fprintf(w, "  Sink:    %s (org %s, bucket %s)\n", cfg.Sink.URL, cfg.Sink.Org, cfg.Sink.Bucket)
	for _, d := range cfg.Devices {
		desc := string(d.Driver)
		if info, err := family.Lookup(d.Driver); err == nil {
			desc = info.Description
		}
		fmt.Fprintf(w, "  Device:  %s %s at %s (%s)\n", d.ID, desc, d.Address, d.Timezone)
	}
	fmt.Fprintf(w, "  Log:     %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "=====================")
}
