package dvs

import (
	"encoding/binary"
)

// DecodeContainer extracts the typed events from a container, preserving
// packet order and the event order within each packet. Nil packets and
// packets with unrecognised event types are skipped without error so that
// decoding keeps working against devices that emit types this build does
// not know about. Returns the polarity and special events separately.
func DecodeContainer(c *PacketContainer) ([]PolarityEvent, []SpecialEvent) {
	if c == nil {
		return nil, nil
	}

	var polarity []PolarityEvent
	var special []SpecialEvent
	for _, p := range c.Packets {
		if p == nil {
			continue
		}
		switch p.Header.EventType {
		case EventTypePolarity:
			polarity = decodePolarityPacket(p, polarity)
		case EventTypeSpecial:
			special = decodeSpecialPacket(p, special)
		}
	}
	return polarity, special
}

// packetEventCount bounds the header's event count by the bytes actually
// present, so a short read never drives indexing past the data slice.
func packetEventCount(p *EventPacket, eventSize int) int {
	if eventSize <= 0 {
		return 0
	}
	n := int(p.Header.EventNumber)
	if max := len(p.Data) / eventSize; n > max {
		n = max
	}
	return n
}

// eventTimestamp widens a per-event 31-bit timestamp to 64 bits using the
// packet's overflow counter.
func eventTimestamp(overflow int32, ts32 uint32) int64 {
	return int64(overflow)<<timestampOverflowShift | int64(ts32&timestampMask)
}

func decodePolarityPacket(p *EventPacket, out []PolarityEvent) []PolarityEvent {
	n := packetEventCount(p, PolarityEventSize)
	for i := 0; i < n; i++ {
		base := i * PolarityEventSize
		word := binary.LittleEndian.Uint32(p.Data[base:])
		ts32 := binary.LittleEndian.Uint32(p.Data[base+polarityTSOffset:])
		out = append(out, PolarityEvent{
			Timestamp: eventTimestamp(p.Header.EventTSOverflow, ts32),
			X:         uint16(word >> polarityXShift & polarityXMask),
			Y:         uint16(word >> polarityYShift & polarityYMask),
			Polarity:  word>>polarityPolShift&polarityPolMask != 0,
		})
	}
	return out
}

func decodeSpecialPacket(p *EventPacket, out []SpecialEvent) []SpecialEvent {
	n := packetEventCount(p, SpecialEventSize)
	for i := 0; i < n; i++ {
		base := i * SpecialEventSize
		word := binary.LittleEndian.Uint32(p.Data[base:])
		ts32 := binary.LittleEndian.Uint32(p.Data[base+specialTSOffset:])
		out = append(out, SpecialEvent{
			Timestamp: eventTimestamp(p.Header.EventTSOverflow, ts32),
			Type:      SpecialEventType(word >> specialTypeShift & specialTypeMask),
		})
	}
	return out
}
