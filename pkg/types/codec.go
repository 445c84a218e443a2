package types

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes p as UTF-8 JSON. An empty payload encodes to an
// empty byte slice, not "{}".
func EncodePayload(p map[string]any) ([]byte, error) {
	if len(p) == 0 {
		return []byte{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload parses UTF-8 JSON bytes. Empty input decodes to an empty payload.
func DecodePayload(b []byte) (Payload, error) {
	p := Payload{}
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// MustEncodePayload is EncodePayload for payloads known to be serializable.
// Unserializable values are replaced by an error document.
func MustEncodePayload(p map[string]any) []byte {
	b, err := EncodePayload(p)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"encoding error": err.Error()})
	}
	return b
}
