// Package message implements the inner reliability frame carried inside
// every encrypted CurveCP message packet: block id, acknowledgment ranges,
// stream offset, stop flags and data.
//
// Frame layout (big-endian):
//
//	[4B id][4B ack id][8B range1][4B gap12][2B range2][2B gap23][2B range3]
//	[2B gap34][2B range4][2B gap45][2B range5][2B gap56][2B range6]
//	[2B flags][8B offset][padding][data]
//
// The frame size is a multiple of 16 and the data is right-aligned at the
// end of the frame.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame size constants.
const (
	HeaderSize     = 48
	MinimalPadding = 16
	MaxSize        = 1088
	MaxDataLength  = MaxSize - HeaderSize - MinimalPadding
)

// Stop flags carried in the high bits of the flags field.
const (
	StopSuccess uint16 = 2048
	StopFailure uint16 = 4096
	StopBits           = StopSuccess | StopFailure
)

var (
	ErrFrameTooLarge  = errors.New("message: frame exceeds maximum size")
	ErrMalformedFrame = errors.New("message: malformed frame")
)

// Message is one decoded reliability frame.
type Message struct {
	ID              uint32
	AcknowledgingID uint32

	Range1Size uint64
	Gap12      uint32
	Range2Size uint16
	Gap23      uint16
	Range3Size uint16
	Gap34      uint16
	Range4Size uint16
	Gap45      uint16
	Range5Size uint16
	Gap56      uint16
	Range6Size uint16

	Success bool
	Failure bool
	Offset  uint64
	Data    []byte
}

// Range is a half-open acknowledged byte interval [Start, Start+Size).
type Range struct {
	Start uint64
	Size  uint64
}

// Contains reports whether [start, start+length) lies inside r.
func (r Range) Contains(start, length uint64) bool {
	if start < r.Start {
		return false
	}
	end := start + length
	if end < start {
		return false
	}
	return end <= r.Start+r.Size
}

// Size returns the encoded frame size for a payload of n bytes.
func Size(n int) int {
	padded := (n + 15) &^ 15
	return HeaderSize + MinimalPadding + padded
}

// Flags returns the flags field: data length plus stop bits.
func (m *Message) Flags() uint16 {
	flags := uint16(len(m.Data))
	if m.Success {
		flags |= StopSuccess
	}
	if m.Failure {
		flags |= StopFailure
	}
	return flags
}

// Ranges returns the six acknowledgment ranges in stream order. Range 1
// always starts at zero; each later range starts after the previous one
// plus its gap.
func (m *Message) Ranges() [6]Range {
	var out [6]Range
	out[0] = Range{Start: 0, Size: m.Range1Size}
	sizes := [5]uint16{m.Range2Size, m.Range3Size, m.Range4Size, m.Range5Size, m.Range6Size}
	gaps := [5]uint64{uint64(m.Gap12), uint64(m.Gap23), uint64(m.Gap34), uint64(m.Gap45), uint64(m.Gap56)}
	pos := m.Range1Size
	for i := range sizes {
		pos += gaps[i]
		out[i+1] = Range{Start: pos, Size: uint64(sizes[i])}
		pos += uint64(sizes[i])
	}
	return out
}

// IsAcknowledged reports whether the span [start, start+length) is fully
// contained in one of the acknowledged ranges.
func (m *Message) IsAcknowledged(start, length uint64) bool {
	for i, r := range m.Ranges() {
		if i > 0 && r.Size == 0 {
			continue
		}
		if r.Contains(start, length) {
			return true
		}
	}
	return false
}

// MarshalBinary encodes m into a new frame.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Data) > MaxDataLength {
		return nil, fmt.Errorf("%w: %d data bytes", ErrFrameTooLarge, len(m.Data))
	}
	buf := make([]byte, Size(len(m.Data)))
	binary.BigEndian.PutUint32(buf[0:4], m.ID)
	binary.BigEndian.PutUint32(buf[4:8], m.AcknowledgingID)
	binary.BigEndian.PutUint64(buf[8:16], m.Range1Size)
	binary.BigEndian.PutUint32(buf[16:20], m.Gap12)
	binary.BigEndian.PutUint16(buf[20:22], m.Range2Size)
	binary.BigEndian.PutUint16(buf[22:24], m.Gap23)
	binary.BigEndian.PutUint16(buf[24:26], m.Range3Size)
	binary.BigEndian.PutUint16(buf[26:28], m.Gap34)
	binary.BigEndian.PutUint16(buf[28:30], m.Range4Size)
	binary.BigEndian.PutUint16(buf[30:32], m.Gap45)
	binary.BigEndian.PutUint16(buf[32:34], m.Range5Size)
	binary.BigEndian.PutUint16(buf[34:36], m.Gap56)
	binary.BigEndian.PutUint16(buf[36:38], m.Range6Size)
	binary.BigEndian.PutUint16(buf[38:40], m.Flags())
	binary.BigEndian.PutUint64(buf[40:48], m.Offset)
	copy(buf[len(buf)-len(m.Data):], m.Data)
	return buf, nil
}

// UnmarshalBinary decodes a frame into m. The data slice is copied.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize+MinimalPadding {
		return fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(buf))
	}
	if len(buf) > MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedFrame, len(buf), MaxSize)
	}
	flags := binary.BigEndian.Uint16(buf[38:40])
	length := int(flags &^ StopBits)
	if length > len(buf)-HeaderSize-MinimalPadding {
		return fmt.Errorf("%w: data length %d in %d byte frame", ErrMalformedFrame, length, len(buf))
	}

	m.ID = binary.BigEndian.Uint32(buf[0:4])
	m.AcknowledgingID = binary.BigEndian.Uint32(buf[4:8])
	m.Range1Size = binary.BigEndian.Uint64(buf[8:16])
	m.Gap12 = binary.BigEndian.Uint32(buf[16:20])
	m.Range2Size = binary.BigEndian.Uint16(buf[20:22])
	m.Gap23 = binary.BigEndian.Uint16(buf[22:24])
	m.Range3Size = binary.BigEndian.Uint16(buf[24:26])
	m.Gap34 = binary.BigEndian.Uint16(buf[26:28])
	m.Range4Size = binary.BigEndian.Uint16(buf[28:30])
	m.Gap45 = binary.BigEndian.Uint16(buf[30:32])
	m.Range5Size = binary.BigEndian.Uint16(buf[32:34])
	m.Gap56 = binary.BigEndian.Uint16(buf[34:36])
	m.Range6Size = binary.BigEndian.Uint16(buf[36:38])
	m.Success = flags&StopSuccess != 0
	m.Failure = flags&StopFailure != 0
	m.Offset = binary.BigEndian.Uint64(buf[40:48])
	m.Data = make([]byte, length)
	copy(m.Data, buf[len(buf)-length:])
	return nil
}

// DataLength returns the data length declared in a frame header without
// decoding the frame, or -1 when buf is shorter than a header.
func DataLength(buf []byte) int {
	if len(buf) < HeaderSize {
		return -1
	}
	return int(binary.BigEndian.Uint16(buf[38:40]) &^ StopBits)
}

// Decode is a convenience wrapper around UnmarshalBinary.
func Decode(buf []byte) (*Message, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return m, nil
}
