package server

import (
	grpcencoding "google.golang.org/grpc/encoding"

	"github.com/deltabus/deltabus/encoding"
)

// CodecName is the content-subtype clients must request
// (grpc.CallContentSubtype(CodecName)) to talk to the bus.
const CodecName = "msgpack"

// msgpackCodec adapts the bus's central msgpack encoding to gRPC's codec
// interface. The whole wire protocol is plain msgpack frames, so no
// generated protobuf bindings exist anywhere in the repo.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return CodecName
}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}
