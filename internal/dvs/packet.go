package dvs

import (
	"encoding/binary"
	"fmt"
)

// Event packet container wire format.
//
// A container is one poll's batch of heterogeneous event packets. On the wire
// (UDP datagrams, event-log files) a container is an 8-byte container header
// followed by the packets back to back. Each packet is a 28-byte packet
// header followed by a contiguous array of fixed-size events. All integers
// are little-endian.
//
// CONTAINER STRUCTURE:
// ├── Container header (8 bytes)
// │   └── magic (4) + packet count (4)
// └── Packets (variable) - packet count × (28-byte header + events)
//
// PACKET STRUCTURE (per packet):
// ├── Header (28 bytes)
// │   └── eventType (2) + eventSource (2) + eventSize (4) + eventTSOffset (4)
// │       + eventTSOverflow (4) + eventCapacity (4) + eventNumber (4) + eventValid (4)
// └── Events (eventNumber × eventSize bytes)
//
// Polarity and special events are both 8 bytes: a 32-bit data word with
// bit-packed fields (bit 0 is the valid mark) followed by a 32-bit
// microsecond timestamp. 64-bit timestamps are reconstructed by combining
// the packet header's overflow counter with the per-event 31-bit timestamp.
const (
	ContainerMagic      = 0x31545645 // "EVT1" read little-endian from the wire
	ContainerHeaderSize = 8          // magic (4 bytes) + packet count (4 bytes)
	PacketHeaderSize    = 28         // fixed packet header, see field offsets below

	// Packet header field offsets
	offEventType       = 0  // int16 packet type discriminant
	offEventSource     = 2  // int16 producing device/module ID
	offEventSize       = 4  // int32 bytes per event
	offEventTSOffset   = 8  // int32 offset of the timestamp field within an event
	offEventTSOverflow = 12 // int32 overflow counter (upper timestamp bits)
	offEventCapacity   = 16 // int32 allocated event slots
	offEventNumber     = 20 // int32 events present in the packet
	offEventValid      = 24 // int32 events with the valid mark set

	// Event type discriminants. Unknown discriminants are skipped by the
	// decoder, never treated as errors.
	EventTypeSpecial  = 0
	EventTypePolarity = 1

	PolarityEventSize = 8 // uint32 data word + int32 timestamp
	SpecialEventSize  = 8 // uint32 data word + int32 timestamp

	// Polarity event data word layout (32 bits):
	// bit 0 valid mark, bit 1 polarity, bits 2-16 Y address, bits 17-31 X address
	polarityValidMask   = 0x00000001
	polarityPolShift    = 1
	polarityPolMask     = 0x00000001
	polarityYShift      = 2
	polarityYMask       = 0x00007FFF
	polarityXShift      = 17
	polarityXMask       = 0x00007FFF
	polarityTSOffset    = 4 // timestamp position within an 8-byte polarity event

	// Special event data word layout (32 bits):
	// bit 0 valid mark, bits 1-7 type code, bits 8-31 optional extra data
	specialValidMask = 0x00000001
	specialTypeShift = 1
	specialTypeMask  = 0x0000007F
	specialTSOffset  = 4

	// Per-event timestamps are 31-bit microsecond counters; the packet
	// header's overflow counter supplies the upper bits.
	timestampOverflowShift = 31
	timestampMask          = 0x7FFFFFFF
)

// PacketHeader is the fixed 28-byte header preceding every event packet.
type PacketHeader struct {
	EventType       int16
	EventSource     int16
	EventSize       int32
	EventTSOffset   int32
	EventTSOverflow int32
	EventCapacity   int32
	EventNumber     int32
	EventValid      int32
}

// EventPacket is one homogeneous packet: a header plus the raw event bytes
// (EventNumber × EventSize, events back to back).
type EventPacket struct {
	Header PacketHeader
	Data   []byte
}

// PacketContainer is one poll's batch of packets, possibly of mixed types.
// A container is owned by the fetch-decode-dispatch cycle that obtained it
// and must not be retained across iterations.
type PacketContainer struct {
	Packets []*EventPacket
}

// EventCount returns the total number of events across all packets.
func (c *PacketContainer) EventCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, p := range c.Packets {
		if p != nil {
			n += int(p.Header.EventNumber)
		}
	}
	return n
}

// ParseContainer parses a serialized container. It validates the framing
// strictly: transport-level corruption is an error here, unlike unknown
// packet types which are a decoder concern and pass through untouched.
func ParseContainer(data []byte) (*PacketContainer, error) {
	if len(data) < ContainerHeaderSize {
		return nil, fmt.Errorf("container too short: need %d header bytes, have %d", ContainerHeaderSize, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != ContainerMagic {
		return nil, fmt.Errorf("invalid container magic: expected 0x%08X, got 0x%08X", ContainerMagic, magic)
	}

	packetCount := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	if packetCount < 0 {
		return nil, fmt.Errorf("invalid packet count %d", packetCount)
	}

	container := &PacketContainer{Packets: make([]*EventPacket, 0, packetCount)}
	offset := ContainerHeaderSize

	for i := 0; i < packetCount; i++ {
		if offset+PacketHeaderSize > len(data) {
			return nil, fmt.Errorf("packet %d header truncated at offset %d", i, offset)
		}

		header := parsePacketHeader(data[offset : offset+PacketHeaderSize])
		if header.EventSize < 0 || header.EventNumber < 0 {
			return nil, fmt.Errorf("packet %d has negative event size/number (%d, %d)", i, header.EventSize, header.EventNumber)
		}

		dataLen := int(header.EventNumber) * int(header.EventSize)
		offset += PacketHeaderSize
		if offset+dataLen > len(data) {
			return nil, fmt.Errorf("packet %d events truncated: need %d bytes at offset %d, have %d", i, dataLen, offset, len(data)-offset)
		}

		packet := &EventPacket{Header: header}
		if dataLen > 0 {
			packet.Data = make([]byte, dataLen)
			copy(packet.Data, data[offset:offset+dataLen])
		}
		container.Packets = append(container.Packets, packet)
		offset += dataLen
	}

	if offset != len(data) {
		return nil, fmt.Errorf("container has %d trailing bytes after %d packets", len(data)-offset, packetCount)
	}

	return container, nil
}

func parsePacketHeader(data []byte) PacketHeader {
	return PacketHeader{
		EventType:       int16(binary.LittleEndian.Uint16(data[offEventType:])),
		EventSource:     int16(binary.LittleEndian.Uint16(data[offEventSource:])),
		EventSize:       int32(binary.LittleEndian.Uint32(data[offEventSize:])),
		EventTSOffset:   int32(binary.LittleEndian.Uint32(data[offEventTSOffset:])),
		EventTSOverflow: int32(binary.LittleEndian.Uint32(data[offEventTSOverflow:])),
		EventCapacity:   int32(binary.LittleEndian.Uint32(data[offEventCapacity:])),
		EventNumber:     int32(binary.LittleEndian.Uint32(data[offEventNumber:])),
		EventValid:      int32(binary.LittleEndian.Uint32(data[offEventValid:])),
	}
}

// Bytes serializes the container into the wire format accepted by
// ParseContainer.
func (c *PacketContainer) Bytes() []byte {
	size := ContainerHeaderSize
	for _, p := range c.Packets {
		if p == nil {
			continue
		}
		size += PacketHeaderSize + len(p.Data)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, ContainerMagic)

	// nil packets are dropped on serialization; the count must match what
	// is actually written.
	n := 0
	for _, p := range c.Packets {
		if p != nil {
			n++
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))

	for _, p := range c.Packets {
		if p == nil {
			continue
		}
		buf = appendPacketHeader(buf, p.Header)
		buf = append(buf, p.Data...)
	}
	return buf
}

func appendPacketHeader(buf []byte, h PacketHeader) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.EventType))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.EventSource))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EventSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EventTSOffset))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EventTSOverflow))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EventCapacity))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EventNumber))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EventValid))
	return buf
}

// BuildPolarityPackets packs events into polarity packets with the valid mark
// set. Events are kept in input order. All events in one packet must share a
// timestamp overflow epoch, so the input is split into a new packet whenever
// the 31-bit timestamp counter rolls over; in practice that is one packet.
func BuildPolarityPackets(source int16, events []PolarityEvent) []*EventPacket {
	var packets []*EventPacket
	start := 0
	for start < len(events) {
		epoch := events[start].Timestamp >> timestampOverflowShift
		end := start + 1
		for end < len(events) && events[end].Timestamp>>timestampOverflowShift == epoch {
			end++
		}

		chunk := events[start:end]
		data := make([]byte, 0, len(chunk)*PolarityEventSize)
		for _, e := range chunk {
			word := uint32(polarityValidMask)
			if e.Polarity {
				word |= uint32(polarityPolMask) << polarityPolShift
			}
			word |= (uint32(e.Y) & polarityYMask) << polarityYShift
			word |= (uint32(e.X) & polarityXMask) << polarityXShift
			data = binary.LittleEndian.AppendUint32(data, word)
			data = binary.LittleEndian.AppendUint32(data, uint32(e.Timestamp&timestampMask))
		}

		packets = append(packets, &EventPacket{
			Header: PacketHeader{
				EventType:       EventTypePolarity,
				EventSource:     source,
				EventSize:       PolarityEventSize,
				EventTSOffset:   polarityTSOffset,
				EventTSOverflow: int32(epoch),
				EventCapacity:   int32(len(chunk)),
				EventNumber:     int32(len(chunk)),
				EventValid:      int32(len(chunk)),
			},
			Data: data,
		})
		start = end
	}
	return packets
}

// BuildSpecialPackets packs events into special packets, splitting on
// timestamp overflow epochs the same way as BuildPolarityPackets.
func BuildSpecialPackets(source int16, events []SpecialEvent) []*EventPacket {
	var packets []*EventPacket
	start := 0
	for start < len(events) {
		epoch := events[start].Timestamp >> timestampOverflowShift
		end := start + 1
		for end < len(events) && events[end].Timestamp>>timestampOverflowShift == epoch {
			end++
		}

		chunk := events[start:end]
		data := make([]byte, 0, len(chunk)*SpecialEventSize)
		for _, e := range chunk {
			word := uint32(specialValidMask)
			word |= (uint32(e.Type) & specialTypeMask) << specialTypeShift
			data = binary.LittleEndian.AppendUint32(data, word)
			data = binary.LittleEndian.AppendUint32(data, uint32(e.Timestamp&timestampMask))
		}

		packets = append(packets, &EventPacket{
			Header: PacketHeader{
				EventType:       EventTypeSpecial,
				EventSource:     source,
				EventSize:       SpecialEventSize,
				EventTSOffset:   specialTSOffset,
				EventTSOverflow: int32(epoch),
				EventCapacity:   int32(len(chunk)),
				EventNumber:     int32(len(chunk)),
				EventValid:      int32(len(chunk)),
			},
			Data: data,
		})
		start = end
	}
	return packets
}
