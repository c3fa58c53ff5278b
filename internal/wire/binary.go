package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	binaryMagic   uint16 = 0x4c42 // "LB"
	binaryVersion uint8  = 1

	// binaryHeaderSize is magic(2) + version(1) + kind(1) + seq(8) + published(8) + symbol len(1).
	binaryHeaderSize = 21

	// MaxSymbolLen is the longest symbol the binary layout can carry.
	MaxSymbolLen = 255

	// MaxBinarySize is the largest binary-encoded message.
	MaxBinarySize = binaryHeaderSize + MaxSymbolLen
)

// BinaryCodec encodes messages in a fixed big-endian layout.
type BinaryCodec struct{}

func (BinaryCodec) Format() Format { return FormatBinary }

func (BinaryCodec) Marshal(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, binaryHeaderSize+len(m.Symbol))
	binary.BigEndian.PutUint16(buf[0:2], binaryMagic)
	buf[2] = binaryVersion
	buf[3] = byte(m.Kind)
	binary.BigEndian.PutUint64(buf[4:12], m.Seq)
	binary.BigEndian.PutUint64(buf[12:20], uint64(m.PublishedAt))
	buf[20] = byte(len(m.Symbol))
	copy(buf[binaryHeaderSize:], m.Symbol)
	return buf, nil
}

func (BinaryCodec) Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < binaryHeaderSize {
		return nil, fmt.Errorf("%w: short buffer (%d bytes)", ErrInvalidMessage, len(buf))
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: bad magic %#04x", ErrInvalidMessage, magic)
	}
	if buf[2] != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, buf[2])
	}
	symLen := int(buf[20])
	if len(buf) != binaryHeaderSize+symLen {
		return nil, fmt.Errorf("%w: length %d does not match symbol length %d", ErrInvalidMessage, len(buf), symLen)
	}
	m := &Message{
		Kind:        Kind(buf[3]),
		Seq:         binary.BigEndian.Uint64(buf[4:12]),
		PublishedAt: int64(binary.BigEndian.Uint64(buf[12:20])),
		Symbol:      string(buf[binaryHeaderSize:]),
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}
