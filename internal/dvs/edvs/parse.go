package edvs

import (
	"github.com/banshee-data/eventcam/internal/dvs"
)

// Serial event stream format (command !E1, four bytes per event):
//
// ├── Byte 0: 1yyyyyyy - sync bit (always 1) + 7-bit row address
// ├── Byte 1: pxxxxxxx - polarity bit (1 = ON) + 7-bit column address
// └── Bytes 2-3: 16-bit microsecond timestamp, high byte first
//
// The device timestamp counter wraps every 65.536ms; the parser counts wraps
// to produce monotonic 64-bit timestamps. The sync bit allows recovery after
// dropped bytes: bytes without it are discarded until the stream realigns.
const (
	syncBit      = 0x80
	addressMask  = 0x7F
	polarityBit  = 0x80
	timestampMax = 1 << 16
)

// parser states, one per expected byte position
const (
	wantSync = iota
	wantX
	wantTSHigh
	wantTSLow
)

// streamParser converts the raw serial byte stream into polarity events. It
// is stateful across feeds: partial events and the wrap counter survive
// arbitrary chunk boundaries.
type streamParser struct {
	state    int
	y        uint8
	x        uint8
	polarity bool
	tsHigh   uint8

	lastTS16 uint32
	wraps    int64

	// SkippedBytes counts bytes discarded while hunting for a sync bit.
	SkippedBytes int64
}

// feed parses a chunk of stream bytes, calling emit for each complete event
// and wrap each time the 16-bit device counter rolls over. wrap may be nil.
func (p *streamParser) feed(data []byte, emit func(dvs.PolarityEvent), wrap func(dvs.SpecialEvent)) {
	for _, b := range data {
		switch p.state {
		case wantSync:
			if b&syncBit == 0 {
				p.SkippedBytes++
				continue
			}
			p.y = b & addressMask
			p.state = wantX

		case wantX:
			p.polarity = b&polarityBit != 0
			p.x = b & addressMask
			p.state = wantTSHigh

		case wantTSHigh:
			p.tsHigh = b
			p.state = wantTSLow

		case wantTSLow:
			ts16 := uint32(p.tsHigh)<<8 | uint32(b)
			if ts16 < p.lastTS16 {
				p.wraps++
				if wrap != nil {
					wrap(dvs.SpecialEvent{
						Timestamp: p.wraps * timestampMax,
						Type:      dvs.SpecialTimestampWrap,
					})
				}
			}
			p.lastTS16 = ts16

			emit(dvs.PolarityEvent{
				Timestamp: p.wraps*timestampMax + int64(ts16),
				X:         uint16(p.x),
				Y:         uint16(p.y),
				Polarity:  p.polarity,
			})
			p.state = wantSync
		}
	}
}
