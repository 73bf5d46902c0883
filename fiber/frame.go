package fiber

import "encoding/binary"

// FrameHeaderLen is the fixed size of every frame header on the wire.
const FrameHeaderLen = 4 + 4 + 1 + 1 + 2

// MaxPayload is the largest DATA payload a single frame may carry.
const MaxPayload = 65507

// Flag bits, per the wire frame format.
type Flag uint8

const (
	FlagSYN Flag = 1 << 0
	FlagACK Flag = 1 << 1
	FlagFIN Flag = 1 << 2
	FlagRST Flag = 1 << 3
	FlagDATA Flag = 1 << 4
)

// AdminPort is the reserved port for the admin service on both ends.
const AdminPort uint32 = 0

// Header is the fixed frame header preceding every frame's payload:
//
//	dest_port : u32 little-endian
//	src_port  : u32 little-endian
//	flags     : u8
//	reserved  : u8
//	length    : u16 little-endian, payload bytes to follow
type Header struct {
	DestPort uint32
	SrcPort  uint32
	Flags    Flag
	Length   uint16
}

// Has reports whether all bits in f are set.
func (h Header) Has(f Flag) bool {
	return h.Flags&f == f
}

// Encode writes the header into buf, which must be at least FrameHeaderLen bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.DestPort)
	binary.LittleEndian.PutUint32(buf[4:8], h.SrcPort)
	buf[8] = byte(h.Flags)
	buf[9] = 0 // reserved
	binary.LittleEndian.PutUint16(buf[10:12], h.Length)
}

// DecodeHeader parses a FrameHeaderLen-byte buffer into a Header.
func DecodeHeader(buf []byte) Header {
	return Header{
		DestPort: binary.LittleEndian.Uint32(buf[0:4]),
		SrcPort:  binary.LittleEndian.Uint32(buf[4:8]),
		Flags:    Flag(buf[8]),
		Length:   binary.LittleEndian.Uint16(buf[10:12]),
	}
}

// EncodeCreditDelta encodes a flow-control credit ACK payload: a 4-byte
// little-endian count of additional bytes the peer may now send.
func EncodeCreditDelta(n uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// DecodeCreditDelta parses a credit ACK payload.
func DecodeCreditDelta(buf []byte) uint32 {
	if len(buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(buf)
}

// validFlagCombination reports whether f is one of the flag bit patterns the demux accepts;
// anything else is a malformed frame and faults the whole demux.
func validFlagCombination(f Flag) bool {
	switch f {
	case FlagSYN, FlagSYN | FlagACK, FlagRST, FlagFIN, FlagDATA, FlagACK:
		return true
	default:
		return false
	}
}
