package store

import (
	"encoding/json"
	"fmt"
)

// Value blobs and snapshot payloads are framed with a single version byte
// ahead of the JSON serialization, so a future format change can be detected
// instead of producing garbage on restore.
const codecVersion byte = 1

// ErrUnknownVersion is wrapped into decode errors for frames written by a
// newer (or corrupted) format.
var ErrUnknownVersion = fmt.Errorf("unknown serialization version")

// EncodeValue frames an arbitrary JSON-serializable value.
func EncodeValue(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	framed := make([]byte, 1+len(payload))
	framed[0] = codecVersion
	copy(framed[1:], payload)
	return framed, nil
}

// DecodeValue unframes a blob into out, rejecting unknown versions.
func DecodeValue(data []byte, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode value: empty blob")
	}
	if data[0] != codecVersion {
		return fmt.Errorf("decode value: %w: %d", ErrUnknownVersion, data[0])
	}
	if err := json.Unmarshal(data[1:], out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}
