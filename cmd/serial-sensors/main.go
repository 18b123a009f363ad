// Command serial-sensors records, replays and monitors the framed sensor
// stream of a serial-attached IMU board.
package main

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/serial-sensors/internal/config"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/serialmux"
	"github.com/banshee-data/serial-sensors/internal/version"
)

var exampleUsage = strings.TrimSpace(`
  serial-sensors dump --device /dev/ttyACM0 --csv-dir out --raw out/raw.bin.gz
  serial-sensors replay out/raw.bin.gz --db sensors.db
  serial-sensors monitor --device /dev/ttyACM0
  serial-sensors --config sensors.toml dump --debug-listen localhost:8080
`)

// app carries the state shared by every subcommand.
type app struct {
	cfgPath string
	verbose bool
	cfg     *config.Config

	portFactory serialmux.SerialPortFactory
	out         io.Writer
}

func newApp() *app {
	return &app{
		cfg:         config.Empty(),
		portFactory: serialmux.RealPortFactory{},
		out:         os.Stdout,
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "serial-sensors",
		Short:             "Record, replay and monitor a serial sensor stream",
		Example:           exampleUsage,
		Version:           version.String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.loadConfig,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Path to a JSON or TOML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(a.dumpCmd(), a.replayCmd(), a.monitorCmd(), a.migrateCmd())
	return root
}

// loadConfig reads the configuration file, if any, then lets explicitly
// set flags override it.
func (a *app) loadConfig(cmd *cobra.Command, _ []string) error {
	monitoring.SetVerbose(a.verbose)

	if a.cfgPath != "" {
		cfg, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
		monitoring.Debugf("loaded configuration from %s", a.cfgPath)
	}
	return a.cfg.ApplyFlags(cmd.Flags())
}

func main() {
	if err := newApp().rootCmd().Execute(); err != nil {
		monitoring.Errorf("%v", err)
		os.Exit(1)
	}
}
