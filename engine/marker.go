package engine

// The diagnostic marker tags reflected test frames of one fixed shape so that a
// test harness on the wire can tell the engine touched them and in which order.
// It is not general packet processing; Config.NoMarker turns it off.
const (
	// MarkerLength is the only frame length that receives the marker.
	MarkerLength = 65
	// MarkerOffset is where the marker starts: the UDP payload of an untagged IPv4 frame.
	MarkerOffset = 0x2a
	// MarkerTag is copied to MarkerOffset before its first byte is replaced by a digit.
	MarkerTag = "  APU was here"
)

const hexDigits = "0123456789abcdef"

// MarkerDigit returns the character stamped at MarkerOffset when the data ring
// cursor equals cursor after the frame's buffer was claimed.
func MarkerDigit(cursor uint32) byte {
	return hexDigits[cursor&0xf]
}

// stampMarker writes the marker into the first MarkerLength bytes of frame,
// zero filling the rest of the frame after the tag.
func stampMarker(frame []byte, cursor uint32) {
	tail := frame[MarkerOffset:MarkerLength]
	n := copy(tail, MarkerTag)
	clear(tail[n:])
	tail[0] = MarkerDigit(cursor)
}
