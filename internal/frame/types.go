package frame

import "fmt"

// Event is the 1-byte event kind of a frame.
type Event uint8

const (
	// EventChange carries a mutation or deletion from the change stream.
	EventChange Event = iota + 1
	// EventTimer signals that a timer fired.
	EventTimer
	// EventControl carries administrative requests handled inline by the router.
	EventControl
	// EventResponse is used for outbound frames only.
	EventResponse
)

func (e Event) String() string {
	switch e {
	case EventChange:
		return "change"
	case EventTimer:
		return "timer"
	case EventControl:
		return "control"
	case EventResponse:
		return "response"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Opcode is the 1-byte operation within an Event.
type Opcode uint8

// Change opcodes.
const (
	OpMutation Opcode = 1
	OpDeletion Opcode = 2
)

// Timer opcodes.
const (
	OpTimerFire Opcode = 1
)

// Control opcodes.
const (
	OpUpdateFilter    Opcode = 1
	OpEraseFilter     Opcode = 2
	OpFlushCheckpoint Opcode = 3
	OpShutdown        Opcode = 4
)

// Response opcodes.
const (
	OpStoreAck    Opcode = 1
	OpTimerCreate Opcode = 2
	OpCheckpoint  Opcode = 3
)

// Unpartitioned is the partition id used by frames not bound to a partition.
const Unpartitioned int16 = -1

// MessageHeader is the decoded header of a frame. Treat as immutable once built.
type MessageHeader struct {
	Event     Event
	Opcode    Opcode
	Partition int16
	Metadata  string
}

// Size returns the encoded size of the header in bytes.
func (h MessageHeader) Size() int {
	return headerFixedSize + len(h.Metadata)
}

// MessagePayload is the undecoded byte envelope of a frame body.
type MessagePayload struct {
	Header  []byte
	Payload []byte
}

// Size returns the number of bytes held by the envelope.
func (p MessagePayload) Size() int {
	return len(p.Header) + len(p.Payload)
}

// WorkerMessage is the unit handled by the router. The queue holding it owns
// it; ownership moves to the router on dequeue.
type WorkerMessage struct {
	Header  MessageHeader
	Payload MessagePayload
}

// Size returns the approximate memory footprint of the message.
func (m *WorkerMessage) Size() int {
	return m.Header.Size() + m.Payload.Size()
}

// NewMessage builds a WorkerMessage from its parts, filling in the raw
// envelope so the message can be re-encoded byte-for-byte.
func NewMessage(event Event, op Opcode, partition int16, metadata string, payload []byte) (*WorkerMessage, error) {
	h := MessageHeader{Event: event, Opcode: op, Partition: partition, Metadata: metadata}
	raw, err := encodeHeader(h)
	if err != nil {
		return nil, err
	}
	return &WorkerMessage{
		Header:  h,
		Payload: MessagePayload{Header: raw, Payload: payload},
	}, nil
}
