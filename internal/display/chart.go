package display

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderChart writes an HTML page with one line chart of the component
// window per numeric stream, followed by a chart of per-stream arrival rate.
func RenderChart(w io.Writer, series []StreamSeries) error {
	page := components.NewPage()
	page.PageTitle = "Sensor streams"

	for _, ser := range series {
		if len(ser.Components) == 0 {
			continue
		}
		page.AddCharts(componentChart(ser))
	}
	page.AddCharts(rateChart(series))
	return page.Render(w)
}

// componentChart plots each component against seconds since the first
// sample in the window.
func componentChart(ser StreamSeries) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: ser.Stem, Subtitle: fmt.Sprintf("last %d samples", len(ser.Arrivals))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(elapsedLabels(ser.Arrivals))
	for i, values := range ser.Components {
		name := strconv.Itoa(i)
		if i < len(ser.Fields) {
			name = ser.Fields[i]
		}
		data := make([]opts.LineData, len(values))
		for j, v := range values {
			data[j] = opts.LineData{Value: v}
		}
		line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line
}

// rateChart plots the instantaneous arrival rate of every stream against the
// sample index within its window.
func rateChart(series []StreamSeries) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "rate", Subtitle: "Hz between consecutive arrivals"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
	)

	longest := 0
	for _, ser := range series {
		longest = max(longest, len(ser.Arrivals)-1)
	}
	x := make([]string, longest)
	for i := range x {
		x[i] = strconv.Itoa(i + 1)
	}
	line.SetXAxis(x)

	for _, ser := range series {
		data := make([]opts.LineData, 0, len(ser.Arrivals))
		for i := 1; i < len(ser.Arrivals); i++ {
			dt := ser.Arrivals[i].Sub(ser.Arrivals[i-1]).Seconds()
			hz := 0.0
			if dt > 0 {
				hz = 1 / dt
			}
			data = append(data, opts.LineData{Value: hz})
		}
		line.AddSeries(ser.Stem, data)
	}
	return line
}

func elapsedLabels(arrivals []time.Time) []string {
	out := make([]string, len(arrivals))
	for i, t := range arrivals {
		out[i] = strconv.FormatFloat(t.Sub(arrivals[0]).Seconds(), 'f', 3, 64)
	}
	return out
}
