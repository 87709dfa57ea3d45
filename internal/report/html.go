package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// DefaultAssetsHost serves the echarts JavaScript. Point it at a local
// copy when the report is viewed offline.
const DefaultAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// xAxis returns the union of all sample times as axis labels. Optodes of a
// frame share a timestamp, so one label list serves every series.
func (d *Data) xAxis() ([]string, map[int64]int) {
	index := make(map[int64]int)
	var labels []string
	for _, p := range d.Samples {
		if _, ok := index[p.TimestampMs]; ok {
			continue
		}
		index[p.TimestampMs] = len(labels)
		labels = append(labels, strconv.FormatFloat(float64(p.TimestampMs)/1000, 'f', 1, 64))
	}
	return labels, index
}

// series places one optode's values on the shared axis; missing frames stay
// empty so the line shows a gap.
func (d *Data) series(index map[int64]int, optode int, pick func(fnirs.HemoglobinDelta) float64) []opts.LineData {
	out := make([]opts.LineData, len(index))
	for _, p := range d.Samples {
		if p.OptodeID == optode {
			out[index[p.TimestampMs]] = opts.LineData{Value: pick(p.Hb)}
		}
	}
	return out
}

func (d *Data) eventSummary() string {
	if len(d.Events) == 0 {
		return "no detector transitions"
	}
	parts := make([]string, 0, len(d.Events))
	for _, e := range d.Events {
		parts = append(parts, fmt.Sprintf("%s@%.1fs", e.ToState, float64(e.TimestampMs)/1000))
	}
	return strings.Join(parts, " → ")
}

func (d *Data) lineChart(title string, labels []string, index map[int64]int, hbo, hbr func(fnirs.HemoglobinDelta) float64, assetsHost string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: d.title(), Width: "100%", Height: "480px", AssetsHost: assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: d.eventSummary()}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "µM", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(labels)
	for _, tr := range d.Traces() {
		line.AddSeries(fmt.Sprintf("HbO optode %d", tr.OptodeID), d.series(index, tr.OptodeID, hbo),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		line.AddSeries(fmt.Sprintf("HbR optode %d", tr.OptodeID), d.series(index, tr.OptodeID, hbr),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line
}

// RenderHTML writes a page with long- and short-separation charts to w. An
// empty assetsHost uses DefaultAssetsHost.
func (d *Data) RenderHTML(w io.Writer, assetsHost string) error {
	if assetsHost == "" {
		assetsHost = DefaultAssetsHost
	}
	labels, index := d.xAxis()

	long := d.lineChart("Long separation (cortical)", labels, index,
		func(h fnirs.HemoglobinDelta) float64 { return h.HbOLong },
		func(h fnirs.HemoglobinDelta) float64 { return h.HbRLong }, assetsHost)
	short := d.lineChart("Short separation (superficial)", labels, index,
		func(h fnirs.HemoglobinDelta) float64 { return h.HbOShort },
		func(h fnirs.HemoglobinDelta) float64 { return h.HbRShort }, assetsHost)

	page := components.NewPage()
	page.SetAssetsHost(assetsHost)
	page.AddCharts(long, short)
	return page.Render(w)
}
