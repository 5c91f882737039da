package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/eventcam/internal/security"
)

// RatePlotter records throughput snapshots over a run and renders them to
// PNG line plots afterwards, for post-run inspection without the web UI.
type RatePlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	serial    string

	samples   []rateSample
	startTime time.Time
}

type rateSample struct {
	elapsed    float64 // seconds since start
	eventsPS   float64
	polarityPS float64
	specialPS  float64
	mbPS       float64
}

// NewRatePlotter creates a plotter labelled with the device serial.
func NewRatePlotter(serial string) *RatePlotter {
	return &RatePlotter{serial: serial}
}

// Start begins recording into outputDir, creating it if needed.
func (rp *RatePlotter) Start(outputDir string) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create plot output dir: %w", err)
	}

	rp.outputDir = outputDir
	rp.enabled = true
	rp.startTime = time.Time{}
	rp.samples = nil
	return nil
}

// Stop disables sampling. Call GeneratePlots to produce output files.
func (rp *RatePlotter) Stop() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.enabled = false
}

// Sample records one interval snapshot. Call once per stats interval.
func (rp *RatePlotter) Sample(snap *StatsSnapshot) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if !rp.enabled || snap == nil {
		return
	}
	if rp.startTime.IsZero() {
		rp.startTime = snap.Timestamp
	}

	rp.samples = append(rp.samples, rateSample{
		elapsed:    snap.Timestamp.Sub(rp.startTime).Seconds(),
		eventsPS:   snap.EventsPerSec,
		polarityPS: snap.PolarityPerSec,
		specialPS:  snap.SpecialPerSec,
		mbPS:       snap.MBPerSec,
	})
}

// SampleCount returns the number of recorded snapshots.
func (rp *RatePlotter) SampleCount() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.samples)
}

// GeneratePlots writes the rate plots to the output directory, returning the
// number of files produced.
func (rp *RatePlotter) GeneratePlots() (int, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(rp.samples) == 0 {
		return 0, nil
	}

	eventPts := make(plotter.XYs, 0, len(rp.samples))
	polarityPts := make(plotter.XYs, 0, len(rp.samples))
	specialPts := make(plotter.XYs, 0, len(rp.samples))
	mbPts := make(plotter.XYs, 0, len(rp.samples))
	for _, s := range rp.samples {
		eventPts = append(eventPts, plotter.XY{X: s.elapsed, Y: s.eventsPS})
		polarityPts = append(polarityPts, plotter.XY{X: s.elapsed, Y: s.polarityPS})
		specialPts = append(specialPts, plotter.XY{X: s.elapsed, Y: s.specialPS})
		mbPts = append(mbPts, plotter.XY{X: s.elapsed, Y: s.mbPS})
	}

	pRate := plot.New()
	pRate.Title.Text = fmt.Sprintf("%s - Event Rate", rp.serial)
	pRate.X.Label.Text = "Time (s)"
	pRate.Y.Label.Text = "Events/s"

	for _, series := range []struct {
		pts   plotter.XYs
		label string
		color color.Color
	}{
		{eventPts, "total", color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 255}},
		{polarityPts, "polarity", color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 255}},
		{specialPts, "special", color.RGBA{R: 0xfd, G: 0xe7, B: 0x25, A: 255}},
	} {
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return 0, err
		}
		line.Color = series.color
		line.Width = vg.Points(1)
		pRate.Add(line)
		pRate.Legend.Add(series.label, line)
	}
	pRate.Legend.Top = true

	pBW := plot.New()
	pBW.Title.Text = fmt.Sprintf("%s - Stream Bandwidth", rp.serial)
	pBW.X.Label.Text = "Time (s)"
	pBW.Y.Label.Text = "MB/s"

	bwLine, err := plotter.NewLine(mbPts)
	if err != nil {
		return 0, err
	}
	bwLine.Color = color.RGBA{R: 0x6e, G: 0xce, B: 0x58, A: 255}
	bwLine.Width = vg.Points(1)
	pBW.Add(bwLine)

	count := 0
	safeSerial := security.SanitizeFilename(rp.serial)
	for _, out := range []struct {
		p    *plot.Plot
		name string
	}{
		{pRate, fmt.Sprintf("%s_event_rate.png", safeSerial)},
		{pBW, fmt.Sprintf("%s_bandwidth.png", safeSerial)},
	} {
		path := filepath.Join(rp.outputDir, out.name)
		if err := security.ValidatePathWithinDirectory(path, rp.outputDir); err != nil {
			return count, fmt.Errorf("plot path rejected: %w", err)
		}
		if err := out.p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
			return count, fmt.Errorf("save %s: %w", out.name, err)
		}
		count++
	}
	return count, nil
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir creates a timestamped output directory path under
// baseDir, named after the source log when replaying from one.
func MakePlotOutputDir(baseDir, sourceFile string) string {
	ts := FormatTimestamp(time.Now())
	if sourceFile != "" {
		base := filepath.Base(sourceFile)
		ext := filepath.Ext(base)
		name := base[:len(base)-len(ext)]
		return filepath.Join(baseDir, name, ts)
	}
	return filepath.Join(baseDir, "live_"+ts)
}
