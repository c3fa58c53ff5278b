// Package wire defines the messages exchanged with a benchmark peer and the
// codecs used to put them on the wire.
//
// Two peer conventions are supported and selected explicitly by
// configuration: a compact big-endian binary layout and JSON. A codec never
// falls back to the other format when decoding fails.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMessage is returned when a buffer cannot be decoded into a Message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrSymbolTooLong is returned when a symbol does not fit the binary layout.
	ErrSymbolTooLong = errors.New("symbol too long")
)

// Format selects the wire encoding used by a transport.
type Format string

const (
	FormatBinary Format = "binary"
	FormatJSON   Format = "json"
)

func (f Format) String() string {
	return string(f)
}

// ParseFormat parses a format name. It is case-insensitive.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatBinary:
		return FormatBinary, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown wire format %q (expected %q or %q)", s, FormatBinary, FormatJSON)
	}
}

// Kind identifies the role of a message.
type Kind uint8

const (
	KindRequest     Kind = 1
	KindReply       Kind = 2
	KindPublication Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindPublication:
		return "publication"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool {
	return k == KindRequest || k == KindReply || k == KindPublication
}

// Message is a single benchmark message.
type Message struct {
	Kind   Kind   `json:"kind"`
	Seq    uint64 `json:"seq"`
	Symbol string `json:"symbol"`

	// PublishedAt is the publisher's wall clock in unix nanoseconds, or 0 when
	// the publisher does not embed a timestamp.
	PublishedAt int64 `json:"published_at,omitempty"`
}

// HasPublishedAt reports whether the publisher embedded a send timestamp.
func (m *Message) HasPublishedAt() bool {
	return m.PublishedAt > 0
}

// Reply returns the reply a reflector sends back for m.
func (m *Message) Reply() *Message {
	return &Message{
		Kind:        KindReply,
		Seq:         m.Seq,
		Symbol:      m.Symbol,
		PublishedAt: m.PublishedAt,
	}
}

func (m *Message) validate() error {
	if !m.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}
	if m.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidMessage)
	}
	if len(m.Symbol) > MaxSymbolLen {
		return fmt.Errorf("%w: %d bytes", ErrSymbolTooLong, len(m.Symbol))
	}
	if m.PublishedAt < 0 {
		return fmt.Errorf("%w: negative publish timestamp", ErrInvalidMessage)
	}
	return nil
}

// Codec encodes and decodes messages in one wire format.
type Codec interface {
	Format() Format
	Marshal(m *Message) ([]byte, error)
	Unmarshal(buf []byte) (*Message, error)
}

// NewCodec returns the codec for the given format.
func NewCodec(f Format) (Codec, error) {
	switch f {
	case FormatBinary:
		return BinaryCodec{}, nil
	case FormatJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire format %q", f)
	}
}
