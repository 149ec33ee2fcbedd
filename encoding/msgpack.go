// Package encoding provides centralized serialization for the delta bus.
// ALL msgpack operations MUST go through this package to ensure consistent
// behavior between producer and consumer sides.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/deltabus/deltabus/bus"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding. When
// decoding into interface{}, strings are preserved as Go strings (not
// []byte), which keeps scalar row values stable across a round-trip.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalEnvelope serializes a delta envelope for the wire.
func MarshalEnvelope(env *bus.DeltaEnvelope) ([]byte, error) {
	return Marshal(env)
}

// UnmarshalEnvelope deserializes a wire payload into a delta envelope.
func UnmarshalEnvelope(data []byte) (*bus.DeltaEnvelope, error) {
	env := &bus.DeltaEnvelope{}
	if err := Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalRowBatch packs scalar rows into a binary batch payload. The batch
// variant round-trips to the same rows via UnmarshalRowBatch.
func MarshalRowBatch(rows []map[string]string) ([]byte, error) {
	return Marshal(rows)
}

// UnmarshalRowBatch unpacks a binary batch payload produced by
// MarshalRowBatch.
func UnmarshalRowBatch(data []byte) ([]map[string]string, error) {
	var rows []map[string]string
	if err := Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DecodeRow resolves a delta row to its scalar column values regardless of
// which variant carried it. Scalar rows are returned as-is; batch rows are
// unpacked. Consumers use this to get one semantic view of either variant.
func DecodeRow(row bus.DeltaRow) (map[string]string, error) {
	if !row.IsBatch() {
		return row.ScalarValues, nil
	}
	rows, err := UnmarshalRowBatch(row.BatchPayload)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
