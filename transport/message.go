package transport

import "github.com/deltabus/deltabus/bus"

// MessageType discriminates bus stream messages.
type MessageType uint8

const (
	// Inbound control messages from the subscriber.
	MsgSubscribe       MessageType = 1
	MsgUnsubscribe     MessageType = 2
	MsgAck             MessageType = 3
	MsgSnapshotRequest MessageType = 4

	// Outbound messages to the subscriber.
	MsgEnvelope   MessageType = 10
	MsgDisconnect MessageType = 11
	MsgError      MessageType = 12
)

// Message is the single frame type exchanged on a bus stream, msgpack
// encoded. Which fields are set depends on Type.
type Message struct {
	Type         MessageType        `msgpack:"type"`
	SubscriberID string             `msgpack:"sub,omitempty"`
	Patterns     []string           `msgpack:"patterns,omitempty"`
	Table        string             `msgpack:"tbl,omitempty"`
	CycleID      uint64             `msgpack:"cycle,omitempty"`
	Envelope     *bus.DeltaEnvelope `msgpack:"env,omitempty"`
	Reason       string             `msgpack:"reason,omitempty"`
}
