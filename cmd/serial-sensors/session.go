package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/serial-sensors/internal/db"
	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/display"
	"github.com/banshee-data/serial-sensors/internal/dump"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/publish"
	"github.com/banshee-data/serial-sensors/internal/serialmux"
)

const serverShutdownTimeout = 1 * time.Second

// acceptingSink is a dispatch sink that declares the deliveries it wants.
type acceptingSink interface {
	dispatch.Sink
	Accepts() dispatch.Accepts
}

// session describes one run of the pipeline over a single source.
type session struct {
	src    serialmux.SerialMuxInterface
	source string
	port   string

	// record enables the CSV and SQLite sinks, live the raw archive and
	// MQTT. debug serves the debug routes when a listen address is set.
	record  bool
	live    bool
	debug   bool
	display *display.Display
	// redraw is called with each display update; nil disables it.
	redraw func()
}

// run registers the configured sinks on s.src, monitors it until the stream
// ends or ctx is cancelled, and releases everything it opened. Cancellation
// is a clean exit.
func (a *app) run(ctx context.Context, s session) error {
	var database *db.DB
	// The source shuts the hub down, closing the database sink, before the
	// database itself is closed.
	defer func() {
		if err := s.src.Close(); err != nil {
			monitoring.Warnf("%s: close: %v", s.source, err)
		}
		if database != nil {
			database.Close()
		}
	}()

	database, err := a.registerSinks(ctx, s)
	if err != nil {
		return err
	}

	var ln net.Listener
	mux := http.NewServeMux()
	if listen := a.cfg.GetDebugListen(); s.debug && listen != "" {
		s.src.AttachAdminRoutes(mux)
		if s.display != nil {
			s.display.AttachAdminRoutes(mux)
		}
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				return fmt.Errorf("attach database routes: %w", err)
			}
		}
		if ln, err = net.Listen("tcp", listen); err != nil {
			return fmt.Errorf("debug listener: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := s.src.Monitor(gctx)
		if err == nil {
			monitoring.Logf("%s: stream complete", s.source)
		}
		return err
	})

	if ln != nil {
		g.Go(func() error { return serveDebug(gctx, ln, mux) })
	}

	if s.display != nil && s.redraw != nil {
		g.Go(func() error {
			a.redrawLoop(gctx, s.display, s.redraw)
			return nil
		})
	}

	err = g.Wait()
	if s.redraw != nil {
		s.redraw()
	}
	if errors.Is(err, context.Canceled) {
		monitoring.Logf("%s: interrupted", s.source)
		return nil
	}
	return err
}

// registerSinks builds every sink the configuration enables and registers
// it with its delivery mask. The database is returned so the caller can
// close it once the hub has shut down.
func (a *app) registerSinks(ctx context.Context, s session) (database *db.DB, err error) {
	sinks := map[string]acceptingSink{}
	defer func() {
		if err == nil {
			return
		}
		for id, sink := range sinks {
			if cerr := sink.Close(); cerr != nil {
				monitoring.Warnf("close %s sink: %v", id, cerr)
			}
		}
	}()

	if dir := a.cfg.GetCSVDir(); s.record && dir != "" {
		csvSink, err := dump.NewCSVSink(nil, dir)
		if err != nil {
			return nil, fmt.Errorf("csv sink: %w", err)
		}
		sinks["csv"] = csvSink
	}

	if path := a.cfg.GetRawPath(); s.live && path != "" {
		rawSink, err := dump.NewRawSink(nil, path)
		if err != nil {
			return nil, fmt.Errorf("raw sink: %w", err)
		}
		sinks["raw"] = rawSink
	}

	if path := a.cfg.GetDBPath(); s.record && path != "" {
		if database, err = db.Open(path); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		dbSink, err := db.NewSink(ctx, database, db.SessionInfo{
			Source:          s.source,
			PortOptions:     s.port,
			DefaultEncoding: a.cfg.GetDefaultEncoding(),
		}, db.SinkOptions{})
		if err != nil {
			return database, fmt.Errorf("database sink: %w", err)
		}
		monitoring.Logf("recording session %s to %s", dbSink.Session().ID, path)
		sinks["db"] = dbSink
	}

	if broker := a.cfg.GetMQTTBroker(); s.live && broker != "" {
		user, pass := a.cfg.GetMQTTCredentials()
		pub, err := publish.Connect(publish.BrokerOptions{
			Broker:   broker,
			ClientID: a.cfg.GetMQTTClientID(),
			Username: user,
			Password: pass,
			QoS:      a.cfg.GetMQTTQoS(),
		})
		if err != nil {
			return database, fmt.Errorf("mqtt: %w", err)
		}
		sinks["mqtt"] = publish.NewSink(pub, a.cfg.GetMQTTTopicPrefix())
	}

	if s.display != nil {
		sinks["display"] = s.display
	}

	if len(sinks) == 0 {
		return database, errors.New("no outputs configured")
	}

	for id, sink := range sinks {
		opts := dispatch.Options{QueueSize: a.cfg.GetQueueSize(), Accepts: sink.Accepts()}
		if err := s.src.Register(id, sink, opts); err != nil {
			return database, fmt.Errorf("register %s sink: %w", id, err)
		}
		// The hub owns it now.
		delete(sinks, id)
		monitoring.Debugf("registered %s sink", id)
	}
	return database, nil
}

// serveDebug serves mux on ln until ctx is done.
func serveDebug(ctx context.Context, ln net.Listener, mux *http.ServeMux) error {
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("debug routes on http://%s/debug/", ln.Addr())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("debug server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("debug server shutdown: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Warnf("debug server close: %v", err)
		}
	}
	return nil
}

// redrawLoop calls redraw at most once per refresh interval while the
// display keeps changing.
func (a *app) redrawLoop(ctx context.Context, d *display.Display, redraw func()) {
	ticker := time.NewTicker(a.cfg.GetDisplayRefreshInterval())
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Updated():
			dirty = true
		case <-ticker.C:
			if dirty {
				redraw()
				dirty = false
			}
		}
	}
}

// renderTo returns a redraw function that clears the terminal and renders
// the display snapshot to w.
func renderTo(w io.Writer, d *display.Display, clearScreen bool) func() {
	return func() {
		if clearScreen {
			fmt.Fprint(w, "\033[H\033[2J")
		}
		if err := display.Render(w, d.Snapshot()); err != nil {
			monitoring.Warnf("render display: %v", err)
		}
	}
}
