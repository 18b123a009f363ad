package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/serial-sensors/internal/config"
	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/serialmux"
)

// devFrameInterval paces the synthetic device used by --dev.
const devFrameInterval = 10 * time.Millisecond

func (a *app) dumpCmd() *cobra.Command {
	var devMode bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Record a serial device to CSV, a raw archive, SQLite or MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.openDevice(devMode)
			if err != nil {
				return err
			}
			s.record, s.live, s.debug = true, true, true
			return a.run(ctx, s)
		},
	}
	fs := cmd.Flags()
	addPortFlags(fs)
	addFileOutputFlags(fs)
	addLiveOutputFlags(fs)
	addDebugFlag(fs)
	fs.BoolVar(&devMode, "dev", false, "Read from a synthetic device instead of a serial port")
	return cmd
}

// openDevice opens the configured serial device, or a synthetic one in dev
// mode.
func (a *app) openDevice(devMode bool) (session, error) {
	muxCfg := a.cfg.SerialMuxConfig()
	if devMode {
		frames, err := devFrames()
		if err != nil {
			return session{}, err
		}
		return session{
			src:    serialmux.NewMockSerialMux(frames, devFrameInterval, muxCfg),
			source: "dev",
		}, nil
	}

	device := a.cfg.GetDevice()
	if device == "" {
		return session{}, errors.New("no serial device: set --" + config.FlagDevice + " or port.device")
	}
	opts := a.cfg.PortOptions()
	mux, err := serialmux.OpenSerialMux(a.portFactory, device, opts, muxCfg)
	if err != nil {
		return session{}, fmt.Errorf("open %s: %w", device, err)
	}
	return session{src: mux, source: device, port: opts.String()}, nil
}

// devFrames builds one second of a slowly rotating synthetic IMU, preceded
// by its identification.
func devFrames() ([][]byte, error) {
	ident, err := frame.Encode(frame.FormatUnspecified, sensor.EncodeIdentification(0, sensor.IdentProduct, "serial-sensors dev"))
	if err != nil {
		return nil, err
	}
	frames := [][]byte{ident}

	const steps = 100
	for i := 1; i <= steps; i++ {
		ts := uint32(i * int(devFrameInterval/time.Millisecond))
		theta := 2 * math.Pi * float64(i) / steps

		samples := []struct {
			kind   sensor.Kind
			values []float64
		}{
			{sensor.Accelerometer, []float64{math.Sin(theta), math.Cos(theta), 9.81}},
			{sensor.Gyroscope, []float64{0, 0, 2 * math.Pi}},
			{sensor.Temperature, []float64{21.5 + math.Sin(theta)/10}},
		}
		for _, s := range samples {
			f, err := sensor.EncodeFrame(s.kind, sensor.EncodingFloat, ts, s.values...)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
	}
	return frames, nil
}
