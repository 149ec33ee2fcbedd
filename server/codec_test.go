package server

import (
	"testing"

	grpcencoding "google.golang.org/grpc/encoding"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/transport"
)

func TestCodecRegistered(t *testing.T) {
	codec := grpcencoding.GetCodec(CodecName)
	if codec == nil {
		t.Fatal("msgpack codec should register from init")
	}
	if codec.Name() != CodecName {
		t.Errorf("Codec name = %q, want %q", codec.Name(), CodecName)
	}
}

func TestCodec_MessageRoundTrip(t *testing.T) {
	codec := msgpackCodec{}

	msg := &transport.Message{
		Type:         transport.MsgEnvelope,
		SubscriberID: "sub-1",
		Table:        "orders",
		CycleID:      4,
		Envelope: &bus.DeltaEnvelope{
			TableName:    "orders",
			CycleID:      4,
			LineageToken: "aa-bb-cc",
			Added: []bus.DeltaRow{
				{ScalarValues: map[string]string{"id": "1"}},
			},
		},
	}

	data, err := codec.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got transport.Message
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.Type != transport.MsgEnvelope || got.Table != "orders" || got.CycleID != 4 {
		t.Errorf("Header mismatch: %+v", got)
	}
	if got.Envelope == nil || got.Envelope.LineageToken != "aa-bb-cc" {
		t.Errorf("Envelope mismatch: %+v", got.Envelope)
	}
	if len(got.Envelope.Added) != 1 || got.Envelope.Added[0].ScalarValues["id"] != "1" {
		t.Errorf("Rows mismatch: %+v", got.Envelope.Added)
	}
}

func TestCodec_ControlMessages(t *testing.T) {
	codec := msgpackCodec{}

	msg := &transport.Message{
		Type:         transport.MsgSubscribe,
		SubscriberID: "sub-1",
		Patterns:     []string{"orders", "trades_*"},
	}

	data, err := codec.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got transport.Message
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.Type != transport.MsgSubscribe || got.SubscriberID != "sub-1" {
		t.Errorf("Header mismatch: %+v", got)
	}
	if len(got.Patterns) != 2 || got.Patterns[1] != "trades_*" {
		t.Errorf("Patterns mismatch: %v", got.Patterns)
	}
}
