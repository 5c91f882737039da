// Package dvs implements the acquisition core for DVS-style event cameras:
// typed event records, the binary packet container codec, the device session
// lifecycle, and the poll/decode loop that feeds decoded event batches to a
// consumer.
//
// Event cameras do not produce frames. Each pixel reports asynchronous
// brightness changes as timestamped polarity events, and the camera
// interleaves special (meta/control) events such as timestamp resets and
// external-input markers into the same stream. Hardware access itself is
// behind the Driver interface; see the edvs, netstream and sim subpackages
// for concrete drivers.
package dvs

// PolarityEvent is a single per-pixel brightness-change record.
// Timestamp is in microseconds on the device clock, monotonic within a
// session. X is the pixel column and Y the pixel row, both zero-based and
// bounded by the session's DeviceInfo geometry. Polarity is true for a
// brightness increase (ON event) and false for a decrease (OFF event).
type PolarityEvent struct {
	Timestamp int64
	X         uint16
	Y         uint16
	Polarity  bool
}

// SpecialEventType identifies the kind of a special (non-pixel) event.
type SpecialEventType uint8

// Special event type codes. The numbering follows the camera firmware's
// enumeration; unknown codes are preserved as-is so newer firmware does not
// break decoding.
const (
	SpecialTimestampWrap            SpecialEventType = 0
	SpecialTimestampReset           SpecialEventType = 1
	SpecialExternalInputRisingEdge  SpecialEventType = 2
	SpecialExternalInputFallingEdge SpecialEventType = 3
	SpecialExternalInputPulse       SpecialEventType = 4
	SpecialDVSRowOnly               SpecialEventType = 5
)

// String returns a short name for known special event types.
func (t SpecialEventType) String() string {
	switch t {
	case SpecialTimestampWrap:
		return "timestamp_wrap"
	case SpecialTimestampReset:
		return "timestamp_reset"
	case SpecialExternalInputRisingEdge:
		return "external_input_rising_edge"
	case SpecialExternalInputFallingEdge:
		return "external_input_falling_edge"
	case SpecialExternalInputPulse:
		return "external_input_pulse"
	case SpecialDVSRowOnly:
		return "dvs_row_only"
	default:
		return "unknown"
	}
}

// SpecialEvent is a non-pixel meta event (sync marker, timestamp reset,
// external input edge). Timestamp is in microseconds on the device clock.
type SpecialEvent struct {
	Timestamp int64
	Type      SpecialEventType
}
