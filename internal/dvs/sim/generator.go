package sim

import (
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// generator produces the event stream for one simulated session. Dots move
// on circular paths around the array centre; each event lands on the pixel a
// dot currently covers, jittered by one pixel, with polarity following the
// direction of motion (leading edge ON, trailing edge OFF). A configurable
// share of events is uniform background noise.
type generator struct {
	sizeX, sizeY  int
	eventRate     float64
	dotCount      int
	angularSpeed  float64 // radians per second
	radius        float64
	centerX       float64
	centerY       float64
	noiseFraction float64
	pulseMicros   int64
	rng           *rand.Rand

	nextPulse int64
}

func newGenerator(d *Driver) *generator {
	seed := d.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	radius := float64(min(d.SizeX, d.SizeY)) / 3
	angularSpeed := 0.0
	if radius > 0 {
		angularSpeed = d.DotSpeedPPS / radius
	}

	g := &generator{
		sizeX:         d.SizeX,
		sizeY:         d.SizeY,
		eventRate:     d.EventRate,
		dotCount:      d.DotCount,
		angularSpeed:  angularSpeed,
		radius:        radius,
		centerX:       float64(d.SizeX) / 2,
		centerY:       float64(d.SizeY) / 2,
		noiseFraction: d.NoiseFraction,
		rng:           rand.New(rand.NewSource(seed)),
	}
	if d.PulseInterval > 0 {
		g.pulseMicros = d.PulseInterval.Microseconds()
		g.nextPulse = g.pulseMicros
	}
	return g
}

// window generates all events with timestamps in [startMicros, endMicros),
// in ascending timestamp order.
func (g *generator) window(startMicros, endMicros int64) ([]dvs.PolarityEvent, []dvs.SpecialEvent) {
	windowMicros := endMicros - startMicros
	if windowMicros <= 0 {
		return nil, nil
	}

	n := int(g.eventRate * float64(windowMicros) / 1e6)
	polarity := make([]dvs.PolarityEvent, 0, n)

	for i := 0; i < n; i++ {
		// Spread timestamps evenly across the window so the stream stays
		// monotonic without a sort.
		ts := startMicros + int64(i)*windowMicros/int64(n)

		if g.rng.Float64() < g.noiseFraction || g.dotCount == 0 {
			polarity = append(polarity, dvs.PolarityEvent{
				Timestamp: ts,
				X:         uint16(g.rng.Intn(g.sizeX)),
				Y:         uint16(g.rng.Intn(g.sizeY)),
				Polarity:  g.rng.Intn(2) == 0,
			})
			continue
		}

		polarity = append(polarity, g.dotEvent(i%g.dotCount, ts))
	}

	var special []dvs.SpecialEvent
	if g.pulseMicros > 0 {
		for g.nextPulse < endMicros {
			if g.nextPulse >= startMicros {
				special = append(special, dvs.SpecialEvent{
					Timestamp: g.nextPulse,
					Type:      dvs.SpecialExternalInputPulse,
				})
			}
			g.nextPulse += g.pulseMicros
		}
	}

	return polarity, special
}

// dotEvent places one event on the given dot's current position.
func (g *generator) dotEvent(dot int, tsMicros int64) dvs.PolarityEvent {
	baseAngle := float64(dot) * 2 * math.Pi / float64(g.dotCount)
	angle := baseAngle + float64(tsMicros)/1e6*g.angularSpeed

	x := g.centerX + g.radius*math.Cos(angle)
	y := g.centerY + g.radius*math.Sin(angle)

	// Single-pixel jitter around the dot centre. Pixels on the leading
	// side of the motion brighten (ON), the trailing side darkens (OFF).
	jx := float64(g.rng.Intn(3) - 1)
	jy := float64(g.rng.Intn(3) - 1)
	dirX := -math.Sin(angle)
	dirY := math.Cos(angle)

	return dvs.PolarityEvent{
		Timestamp: tsMicros,
		X:         clampCoord(x+jx, g.sizeX),
		Y:         clampCoord(y+jy, g.sizeY),
		Polarity:  jx*dirX+jy*dirY >= 0,
	}
}

func clampCoord(v float64, size int) uint16 {
	c := int(v)
	if c < 0 {
		c = 0
	}
	if c >= size {
		c = size - 1
	}
	return uint16(c)
}
