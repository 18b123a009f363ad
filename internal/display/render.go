package display

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"

	"tailscale.com/tsweb"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/httputil"
)

// Render writes a plain-text view of snap: one line per stream followed by
// the most recent records and the event counters.
func Render(w io.Writer, snap Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tCOUNT\tRATE\tLATEST\tMEAN\tSTDDEV")
	for _, st := range snap.Streams {
		latest := ""
		if st.Latest != nil {
			latest = st.Latest.String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f Hz\t%s\t%s\t%s\n",
			st.Stem, st.Count, st.RateHz, latest, formatValues(st.Mean), formatValues(st.StdDev))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nlast %d of %d records:\n", len(snap.Recent), snap.Records)
	for i := len(snap.Recent) - 1; i >= 0; i-- {
		fmt.Fprintf(w, "  %s\n", snap.Recent[i])
	}

	if len(snap.Events) > 0 {
		types := make([]dispatch.EventType, 0, len(snap.Events))
		for t := range snap.Events {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", t, snap.Events[t]))
		}
		fmt.Fprintf(w, "\nevents: %s\n", strings.Join(parts, " "))
	}
	if snap.LastEvent != nil {
		fmt.Fprintf(w, "last event: %s\n", snap.LastEvent)
	}
	if snap.Ended {
		fmt.Fprintln(w, "stream ended")
	}
	return nil
}

func formatValues(vs []float64) string {
	if len(vs) == 0 {
		return "-"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%.3f", v)
	}
	return strings.Join(parts, " ")
}

// AttachAdminRoutes mounts /debug/display (JSON snapshot),
// /debug/display.txt (rendered text) and /debug/display/chart (component
// and rate charts).
func (d *Display) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("display", "live sensor display (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, d.Snapshot())
	})
	debug.HandleSilentFunc("display.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		Render(w, d.Snapshot())
	})
	debug.HandleFunc("display/chart", "live sensor charts", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := RenderChart(&buf, d.Series()); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
