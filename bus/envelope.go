// Package bus defines the core data model shared across the delta bus:
// delta envelopes, delta rows, raw dataset updates, and the error taxonomy.
// These types are shared between builder, engine, and transport packages.
package bus

// Compression describes how binary payloads (row batches, embedding
// sidecars) are encoded. The engine preserves payloads as-is and never
// re-validates their content.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "NONE"
	case CompressionZstd:
		return "ZSTD"
	default:
		return "UNKNOWN"
	}
}

// DeltaRow is a single changed record. Exactly one of ScalarValues or
// BatchPayload is set: small diffs travel as column name to string value
// maps, bulk changes as an opaque binary batch.
type DeltaRow struct {
	ScalarValues map[string]string `msgpack:"cols,omitempty"`
	BatchPayload []byte            `msgpack:"batch,omitempty"`
}

// IsBatch reports whether the row carries a binary batch payload.
func (r DeltaRow) IsBatch() bool {
	return r.BatchPayload != nil
}

// DeltaEnvelope is the unit of distribution: one cycle's worth of changes
// for one table. Envelopes are immutable once built and independently
// replayable; nothing downstream of the builder may mutate one.
type DeltaEnvelope struct {
	TableName     string      `msgpack:"tbl"`
	SchemaVersion string      `msgpack:"schema"`
	CycleID       uint64      `msgpack:"cycle"`
	WatermarkTS   int64       `msgpack:"wm"`
	LineageToken  string      `msgpack:"lineage"`
	IsSnapshot    bool        `msgpack:"snap"`
	Added         []DeltaRow  `msgpack:"added,omitempty"`
	RemovedKeys   []string    `msgpack:"removed,omitempty"`
	Modified      []DeltaRow  `msgpack:"modified,omitempty"`
	Sidecar       []byte      `msgpack:"sidecar,omitempty"`
	Compression   Compression `msgpack:"comp"`
}

// RowCount returns the total number of row entries carried by the envelope.
func (e *DeltaEnvelope) RowCount() int {
	return len(e.Added) + len(e.RemovedKeys) + len(e.Modified)
}

// RawUpdate is one change notification from the dataset engine, opaque to
// the bus beyond its added/removed/modified shape. WatermarkTS is optional;
// zero means the builder derives the watermark from its clock.
type RawUpdate struct {
	SchemaVersion string
	IsSnapshot    bool
	Added         []RawRow
	RemovedKeys   []string
	Modified      []RawRow
	Sidecar       []byte
	Compression   Compression
	WatermarkTS   int64
}

// RawRow is a source row prior to scalar/batch conversion.
type RawRow struct {
	Values map[string]string
}
