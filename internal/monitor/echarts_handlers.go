package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/eventcam/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleRateChart renders an event-rate line chart (HTML) over the stored
// rate samples of a session. Debugging-only endpoint, no auth.
// Query params:
//   - session_id (optional; defaults to the running session)
//   - limit (optional; default 500)
func (ws *WebServer) handleRateChart(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = ws.sessionID()
	}
	if sessionID == "" {
		httputil.BadRequest(w, "missing 'session_id' parameter")
		return
	}

	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 5000 {
			limit = v
		}
	}

	samples, err := ws.db.RateSamples(sessionID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("load rate samples: %v", err))
		return
	}
	if len(samples) == 0 {
		httputil.NotFound(w, "no rate samples for session")
		return
	}

	xAxis := make([]string, 0, len(samples))
	events := make([]opts.LineData, 0, len(samples))
	containers := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		xAxis = append(xAxis, s.SampledAt.Format(time.TimeOnly))
		events = append(events, opts.LineData{Value: s.EventsPerSec})
		containers = append(containers, opts.LineData{Value: s.Containers})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Event Rate", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Event Rate", Subtitle: fmt.Sprintf("session=%s samples=%d", sessionID, len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "events/s"}),
	)
	line.SetXAxis(xAxis).
		AddSeries("events/s", events).
		AddSeries("containers", containers,
			charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 0}),
		)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleActivityChart renders the per-pixel activity map as a colored
// scatter (HTML). The map is downsampled so large sensors stay under the
// payload limit. Debugging-only endpoint, no auth.
// Query params:
//   - max_dim (optional; default 64) maximum bins per axis
func (ws *WebServer) handleActivityChart(w http.ResponseWriter, r *http.Request) {
	if ws.activity == nil {
		httputil.NotFound(w, "no activity map available")
		return
	}

	maxDim := 64
	if md := r.URL.Query().Get("max_dim"); md != "" {
		if v, err := strconv.Atoi(md); err == nil && v >= 8 && v <= 512 {
			maxDim = v
		}
	}

	cells, binsX, binsY, binSize := ws.activity.Downsample(maxDim)

	data := make([]opts.ScatterData, 0, len(cells))
	maxCount := float64(0)
	for by := 0; by < binsY; by++ {
		for bx := 0; bx < binsX; bx++ {
			count := float64(cells[by*binsX+bx])
			if count == 0 {
				continue
			}
			if count > maxCount {
				maxCount = count
			}
			// Plot row 0 at the top, matching sensor orientation.
			data = append(data, opts.ScatterData{Value: []interface{}{bx, binsY - 1 - by, count}})
		}
	}
	if maxCount == 0 {
		maxCount = 1
	}

	off, on := ws.activity.Totals()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sensor Activity", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Sensor Activity Map", Subtitle: fmt.Sprintf("bins=%dx%d binsize=%dpx ON=%d OFF=%d", binsX, binsY, binSize, on, off)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: binsX, Name: "X (bins)"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: binsY, Name: "Y (bins)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCount),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)

	scatter.AddSeries("activity", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
