package dvs

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// appendTestPacket serialises one packet by hand so parser tests do not
// depend on the production encoder.
func appendTestPacket(buf []byte, eventType int16, overflow int32, eventSize int32, events [][8]byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(eventType))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(1)) // source
	buf = binary.LittleEndian.AppendUint32(buf, uint32(eventSize))
	buf = binary.LittleEndian.AppendUint32(buf, 4) // timestamp offset
	buf = binary.LittleEndian.AppendUint32(buf, uint32(overflow))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(events)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(events)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(events)))
	for _, e := range events {
		buf = append(buf, e[:]...)
	}
	return buf
}

// testPolarityEventBytes packs one on-wire polarity event.
func testPolarityEventBytes(ts uint32, x, y uint16, polarity bool, valid bool) [8]byte {
	var word uint32
	if valid {
		word |= 1
	}
	if polarity {
		word |= 1 << 1
	}
	word |= uint32(y) << 2
	word |= uint32(x) << 17

	var out [8]byte
	binary.LittleEndian.PutUint32(out[0:4], word)
	binary.LittleEndian.PutUint32(out[4:8], ts)
	return out
}

// testSpecialEventBytes packs one on-wire special event.
func testSpecialEventBytes(ts uint32, typ SpecialEventType) [8]byte {
	word := uint32(1) | uint32(typ)<<1

	var out [8]byte
	binary.LittleEndian.PutUint32(out[0:4], word)
	binary.LittleEndian.PutUint32(out[4:8], ts)
	return out
}

func testContainerBytes(packets ...[]byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, ContainerMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(packets)))
	for _, p := range packets {
		buf = append(buf, p...)
	}
	return buf
}

func TestParseContainerSinglePacket(t *testing.T) {
	packet := appendTestPacket(nil, EventTypePolarity, 0, PolarityEventSize, [][8]byte{
		testPolarityEventBytes(100, 5, 10, true, true),
		testPolarityEventBytes(101, 6, 10, false, true),
	})
	data := testContainerBytes(packet)

	container, err := ParseContainer(data)
	if err != nil {
		t.Fatalf("ParseContainer failed: %v", err)
	}

	if len(container.Packets) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(container.Packets))
	}

	p := container.Packets[0]
	if p.Header.EventType != EventTypePolarity {
		t.Errorf("Expected event type %d, got %d", EventTypePolarity, p.Header.EventType)
	}
	if p.Header.EventSource != 1 {
		t.Errorf("Expected event source 1, got %d", p.Header.EventSource)
	}
	if p.Header.EventSize != PolarityEventSize {
		t.Errorf("Expected event size %d, got %d", PolarityEventSize, p.Header.EventSize)
	}
	if p.Header.EventNumber != 2 {
		t.Errorf("Expected 2 events, got %d", p.Header.EventNumber)
	}
	if len(p.Data) != 2*PolarityEventSize {
		t.Errorf("Expected %d data bytes, got %d", 2*PolarityEventSize, len(p.Data))
	}
	if container.EventCount() != 2 {
		t.Errorf("Expected event count 2, got %d", container.EventCount())
	}
}

func TestParseContainerEmpty(t *testing.T) {
	container, err := ParseContainer(testContainerBytes())
	if err != nil {
		t.Fatalf("ParseContainer failed on empty container: %v", err)
	}
	if len(container.Packets) != 0 {
		t.Errorf("Expected 0 packets, got %d", len(container.Packets))
	}
	if container.EventCount() != 0 {
		t.Errorf("Expected event count 0, got %d", container.EventCount())
	}
}

func TestParseContainerRejectsCorruptFraming(t *testing.T) {
	goodPacket := appendTestPacket(nil, EventTypePolarity, 0, PolarityEventSize, [][8]byte{
		testPolarityEventBytes(1, 1, 1, true, true),
	})
	good := testContainerBytes(goodPacket)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic[0:4], 0xDEADBEEF)

	negativeCount := testContainerBytes()
	binary.LittleEndian.PutUint32(negativeCount[4:8], 0xFFFFFFFF)

	truncatedHeader := good[:ContainerHeaderSize+10]
	truncatedEvents := good[:len(good)-4]
	trailing := append(append([]byte(nil), good...), 0x00, 0x01)

	negativeEventSize := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(negativeEventSize[ContainerHeaderSize+offEventSize:], 0xFFFFFFFF)

	cases := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x45, 0x56}},
		{"bad magic", badMagic},
		{"negative packet count", negativeCount},
		{"truncated packet header", truncatedHeader},
		{"truncated event data", truncatedEvents},
		{"trailing bytes", trailing},
		{"negative event size", negativeEventSize},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseContainer(tc.data); err == nil {
				t.Errorf("Expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestContainerBytesRoundTrip(t *testing.T) {
	polarity := []PolarityEvent{
		{Timestamp: 100, X: 5, Y: 10, Polarity: true},
		{Timestamp: 101, X: 6, Y: 10, Polarity: false},
	}
	special := []SpecialEvent{
		{Timestamp: 102, Type: SpecialExternalInputRisingEdge},
	}

	original := &PacketContainer{}
	original.Packets = append(original.Packets, BuildPolarityPackets(1, polarity)...)
	original.Packets = append(original.Packets, BuildSpecialPackets(1, special)...)

	parsed, err := ParseContainer(original.Bytes())
	if err != nil {
		t.Fatalf("ParseContainer failed on encoder output: %v", err)
	}

	if diff := cmp.Diff(original, parsed); diff != "" {
		t.Errorf("Round-tripped container differs (-want +got):\n%s", diff)
	}
}

func TestContainerBytesDropsNilPackets(t *testing.T) {
	container := &PacketContainer{}
	container.Packets = append(container.Packets, nil)
	container.Packets = append(container.Packets, BuildPolarityPackets(1, []PolarityEvent{
		{Timestamp: 10, X: 1, Y: 2, Polarity: true},
	})...)
	container.Packets = append(container.Packets, nil)

	parsed, err := ParseContainer(container.Bytes())
	if err != nil {
		t.Fatalf("ParseContainer failed: %v", err)
	}
	if len(parsed.Packets) != 1 {
		t.Errorf("Expected nil packets dropped, got %d packets", len(parsed.Packets))
	}
}

func TestBuildPolarityPacketsSplitsOnOverflow(t *testing.T) {
	// Two events on each side of a 31-bit timestamp rollover.
	const epochLen = int64(1) << 31
	events := []PolarityEvent{
		{Timestamp: epochLen - 2, X: 1, Y: 1, Polarity: true},
		{Timestamp: epochLen - 1, X: 2, Y: 2, Polarity: false},
		{Timestamp: epochLen, X: 3, Y: 3, Polarity: true},
		{Timestamp: epochLen + 1, X: 4, Y: 4, Polarity: false},
	}

	packets := BuildPolarityPackets(7, events)
	if len(packets) != 2 {
		t.Fatalf("Expected 2 packets across the rollover, got %d", len(packets))
	}

	if packets[0].Header.EventTSOverflow != 0 {
		t.Errorf("First packet overflow: expected 0, got %d", packets[0].Header.EventTSOverflow)
	}
	if packets[1].Header.EventTSOverflow != 1 {
		t.Errorf("Second packet overflow: expected 1, got %d", packets[1].Header.EventTSOverflow)
	}
	if packets[0].Header.EventNumber != 2 || packets[1].Header.EventNumber != 2 {
		t.Errorf("Expected 2 events per packet, got %d and %d",
			packets[0].Header.EventNumber, packets[1].Header.EventNumber)
	}
	if packets[0].Header.EventSource != 7 {
		t.Errorf("Expected event source 7, got %d", packets[0].Header.EventSource)
	}

	// The second packet's first event stores only the low 31 timestamp bits.
	ts32 := binary.LittleEndian.Uint32(packets[1].Data[4:8])
	if ts32 != 0 {
		t.Errorf("Expected stored 31-bit timestamp 0 after rollover, got %d", ts32)
	}

	// Decoding must reconstruct the original 64-bit timestamps.
	decoded, _ := DecodeContainer(&PacketContainer{Packets: packets})
	if diff := cmp.Diff(events, decoded); diff != "" {
		t.Errorf("Decoded events differ (-want +got):\n%s", diff)
	}
}

func TestBuildPacketsEmptyInput(t *testing.T) {
	if packets := BuildPolarityPackets(1, nil); packets != nil {
		t.Errorf("Expected no packets for empty polarity input, got %d", len(packets))
	}
	if packets := BuildSpecialPackets(1, nil); packets != nil {
		t.Errorf("Expected no packets for empty special input, got %d", len(packets))
	}
}

func TestBuildPolarityPacketsSetsValidMarks(t *testing.T) {
	packets := BuildPolarityPackets(1, []PolarityEvent{
		{Timestamp: 5, X: 10, Y: 20, Polarity: true},
	})
	if len(packets) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(packets))
	}

	p := packets[0]
	if p.Header.EventValid != p.Header.EventNumber {
		t.Errorf("Expected all events marked valid: valid=%d number=%d",
			p.Header.EventValid, p.Header.EventNumber)
	}
	word := binary.LittleEndian.Uint32(p.Data[0:4])
	if word&1 == 0 {
		t.Error("Expected valid mark set on event data word")
	}
}
