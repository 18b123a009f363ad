package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/serial-sensors/internal/serialmux"
)

func (a *app) replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <archive>",
		Short: "Decode a raw archive recorded by dump into CSV or SQLite",
		Long: `Replay feeds a raw archive (plain or .gz) through the same pipeline as a
live device. Host timestamps are those of the replay, not the recording.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mux, err := serialmux.NewFileSerialMux(args[0], a.cfg.SerialMuxConfig())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			return a.run(ctx, session{src: mux, source: args[0], record: true})
		},
	}
	fs := cmd.Flags()
	addEncodingFlag(fs)
	addFileOutputFlags(fs)
	return cmd
}
