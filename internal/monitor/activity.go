package monitor

import (
	"sync"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// ActivityMap accumulates per-pixel event counts over the life of a session.
// It backs the activity heatmap chart and shows which parts of the sensor
// array are firing. Safe for concurrent use.
type ActivityMap struct {
	mu     sync.Mutex
	sizeX  int
	sizeY  int
	counts []uint32
	onOff  [2]int64 // total OFF and ON event counts
}

// NewActivityMap creates an accumulator for a sizeX by sizeY sensor.
func NewActivityMap(sizeX, sizeY int) *ActivityMap {
	if sizeX <= 0 {
		sizeX = 1
	}
	if sizeY <= 0 {
		sizeY = 1
	}
	return &ActivityMap{
		sizeX:  sizeX,
		sizeY:  sizeY,
		counts: make([]uint32, sizeX*sizeY),
	}
}

// Size returns the map geometry.
func (am *ActivityMap) Size() (int, int) {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.sizeX, am.sizeY
}

// Accumulate adds a batch of polarity events. Events outside the geometry
// are ignored rather than corrupting neighbouring cells.
func (am *ActivityMap) Accumulate(events []dvs.PolarityEvent) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for _, e := range events {
		x, y := int(e.X), int(e.Y)
		if x >= am.sizeX || y >= am.sizeY {
			continue
		}
		am.counts[y*am.sizeX+x]++
		if e.Polarity {
			am.onOff[1]++
		} else {
			am.onOff[0]++
		}
	}
}

// Snapshot returns a copy of the per-pixel counts, row-major.
func (am *ActivityMap) Snapshot() []uint32 {
	am.mu.Lock()
	defer am.mu.Unlock()

	counts := make([]uint32, len(am.counts))
	copy(counts, am.counts)
	return counts
}

// Totals returns the accumulated OFF and ON event counts.
func (am *ActivityMap) Totals() (off, on int64) {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.onOff[0], am.onOff[1]
}

// Resize changes the map geometry, clearing any accumulated counts. Used
// once the real sensor dimensions are known after device open.
func (am *ActivityMap) Resize(sizeX, sizeY int) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if sizeX <= 0 || sizeY <= 0 || (sizeX == am.sizeX && sizeY == am.sizeY) {
		return
	}
	am.sizeX = sizeX
	am.sizeY = sizeY
	am.counts = make([]uint32, sizeX*sizeY)
	am.onOff = [2]int64{}
}

// Reset zeroes all counters.
func (am *ActivityMap) Reset() {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i := range am.counts {
		am.counts[i] = 0
	}
	am.onOff = [2]int64{}
}

// Downsample bins the map into at most maxDim by maxDim cells, summing the
// counts in each bin. Charts use this to stay within a sane payload size for
// large sensors.
func (am *ActivityMap) Downsample(maxDim int) (cells []uint32, binsX, binsY, binSize int) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if maxDim <= 0 {
		maxDim = 64
	}

	binSize = 1
	for am.sizeX/binSize > maxDim || am.sizeY/binSize > maxDim {
		binSize *= 2
	}

	binsX = (am.sizeX + binSize - 1) / binSize
	binsY = (am.sizeY + binSize - 1) / binSize
	cells = make([]uint32, binsX*binsY)

	for y := 0; y < am.sizeY; y++ {
		for x := 0; x < am.sizeX; x++ {
			cells[(y/binSize)*binsX+(x/binSize)] += am.counts[y*am.sizeX+x]
		}
	}
	return cells, binsX, binsY, binSize
}
