package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/serial-sensors/internal/display"
)

func (a *app) monitorCmd() *cobra.Command {
	var (
		devMode bool
		plain   bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show a live summary of a serial device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.openDevice(devMode)
			if err != nil {
				return err
			}
			s.debug = true
			s.display = display.New(display.Options{
				History: a.cfg.GetDisplayHistory(),
				Window:  a.cfg.GetDisplayWindow(),
			})
			s.redraw = renderTo(a.out, s.display, !plain)
			return a.run(ctx, s)
		},
	}
	fs := cmd.Flags()
	addPortFlags(fs)
	addDebugFlag(fs)
	fs.BoolVar(&devMode, "dev", false, "Read from a synthetic device instead of a serial port")
	fs.BoolVar(&plain, "plain", false, "Append each refresh instead of clearing the terminal")
	return cmd
}
