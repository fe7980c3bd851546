// Package codec provides the wire encoding for bus topic payloads. The bus
// surface only requires a stable, self-describing per-deployment encoding;
// JSON satisfies that without locking every payload type to a
// hand-maintained schema compiler.
package codec

import (
	"encoding/json"
	"fmt"
)

// Version identifies the wire format of an encoded payload.
type Version uint16

// CurrentVersion is the only version this codec currently emits or accepts.
const CurrentVersion Version = 0

// Codec is the package-wide default JSON codec instance.
var Codec = &JSONCodec{}

// JSONCodec marshals and unmarshals bus payloads as versioned JSON.
type JSONCodec struct{}

// Marshal encodes v under version. Returns an error for any version other
// than CurrentVersion so a future wire format change fails loudly instead of
// silently misinterpreting bytes.
func (c *JSONCodec) Marshal(version Version, v interface{}) ([]byte, error) {
	if version != CurrentVersion {
		return nil, fmt.Errorf("codec: unsupported version %d", version)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data into v, returning the version it was encoded with
// (always CurrentVersion for now).
func (c *JSONCodec) Unmarshal(data []byte, v interface{}) (Version, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return 0, err
	}
	return CurrentVersion, nil
}
