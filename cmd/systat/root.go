package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shelepuginivan/systat"
	"github.com/shelepuginivan/systat/bus"
	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/internal/config"
	"github.com/shelepuginivan/systat/internal/logger"
	"github.com/shelepuginivan/systat/widget"
	"github.com/shelepuginivan/systat/widget/battery"
	"github.com/shelepuginivan/systat/widget/network"
	"github.com/shelepuginivan/systat/widget/volume"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
}

// NewCmdRoot creates the root command, which runs the tray.
func NewCmdRoot() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "systat",
		Short: "Show system status in the system tray",
		Long: `systat shows battery, volume and network status as icons in a
StatusNotifierItem system tray.

Widgets are read from $XDG_CONFIG_HOME/systat/config.yaml, SYSTAT_*
environment variables and flags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, config.Flags{
				"widgets":   cmd.Flags().Lookup("widgets"),
				"log.debug": cmd.Flags().Lookup("debug"),
			})
			if err != nil {
				return err
			}

			return run(cfg, cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path of the configuration file")
	cmd.Flags().BoolP("debug", "D", false, "Enable debug logging")
	cmd.Flags().StringSlice("widgets", nil, "Widgets to show, in order (battery, volume, network)")

	cmd.AddCommand(newCmdConfig(opts))
	cmd.AddCommand(newCmdProperty())

	return cmd
}

func initLogger(cfg *config.Config) error {
	return logger.InitWithFile(cfg.Log.Debug, &logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

// run shows the configured widgets until the session ends or a termination
// signal arrives. Widget failures are printed to errOut.
func run(cfg *config.Config, errOut io.Writer) error {
	if err := initLogger(cfg); err != nil {
		return err
	}

	log := logger.Component("main")
	log.Debug().Strs("widgets", cfg.Widgets).Msg("systat starting")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fault.Wrap(fault.Transport, err, "connect to session bus")
	}
	defer conn.Close()

	tray, err := systat.NewTray(conn, logger.Component("tray"))
	if err != nil {
		return err
	}
	defer tray.Release()

	registry, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	rt := widget.NewRuntime(registry, tray, tray,
		widget.WithLogger(logger.Component("runtime")),
		widget.WithErrorOutput(errOut),
	)
	tray.OnActivate(rt.Activate)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		if sig, ok := <-signals; ok {
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			tray.Close()
		}
	}()

	if err := rt.Start(); err != nil {
		return err
	}

	return rt.Run()
}

// newRegistry creates the providers named by cfg in order.
func newRegistry(cfg *config.Config) (*widget.Registry, error) {
	registry := widget.NewRegistry()

	for _, name := range cfg.Widgets {
		p, err := newProvider(name, cfg, logger.Component(name))
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}

	return registry, nil
}

func newProvider(name string, cfg *config.Config, log zerolog.Logger) (widget.Provider, error) {
	switch name {
	case "battery":
		return battery.New(
			battery.WithRoot(cfg.Battery.Root),
			battery.WithDevice(cfg.Battery.Device),
			battery.WithLogger(log),
		), nil
	case "volume":
		return volume.New(
			volume.WithCard(cfg.Volume.Card),
			volume.WithControl(cfg.Volume.Control),
			volume.WithMixer(volume.Amixer{Path: cfg.Volume.Mixer}),
			volume.WithLogger(log),
		), nil
	case "network":
		return network.New(
			network.WithAddress(cfg.Network.Address,
				bus.WithTimeout(cfg.Network.Timeout),
				bus.WithLogger(log),
			),
			network.WithLogger(log),
		), nil
	default:
		return nil, fmt.Errorf("unknown widget %q", name)
	}
}
