package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes messages as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Format() Format { return FormatJSON }

func (JSONCodec) Marshal(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (JSONCodec) Unmarshal(buf []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
