// Package codec provides the byte encoding used to seal replica state into
// a compaction snapshot's opaque state_bytes envelope. The DAG/compaction
// core never interprets these bytes (spec.md §9: "snapshots ... should
// treat those bytes as a sealed envelope"); callers pick a codec version
// to encode with, and only CurrentVersion is accepted. The version is not
// written into the encoded bytes, so a decoder cannot tell which codec
// revision produced them.
package codec

import (
	"encoding/json"
	"fmt"
)

// Version identifies the wire encoding of a caller's sealed state payload.
type Version uint16

const (
	// CurrentVersion is the only version this codec currently emits.
	CurrentVersion Version = 0
)

// Codec is the default JSON-backed codec instance.
var Codec = &JSONCodec{}

// JSONCodec marshals caller state to/from plain JSON. The encoded bytes
// carry no version stamp.
type JSONCodec struct{}

// Marshal encodes v under version. Callers constructing a snapshot's
// state_bytes envelope always pass CurrentVersion.
func (c *JSONCodec) Marshal(version Version, v interface{}) ([]byte, error) {
	if version != CurrentVersion {
		return nil, fmt.Errorf("codec: unsupported version %d", version)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data into v and always reports CurrentVersion; it
// performs no version check, since the bytes carry no version.
func (c *JSONCodec) Unmarshal(data []byte, v interface{}) (Version, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return 0, err
	}
	return CurrentVersion, nil
}
