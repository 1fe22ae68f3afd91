package api

import (
	"encoding/json"
	"fmt"
)

// CodecName is the connect codec name the service speaks.
const CodecName = "json"

// Codec marshals messages as plain JSON. It replaces connect's protobuf
// codecs since the wire types are ordinary Go structs.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
