package frame

import (
	"encoding/json"
	"fmt"
)

// Mutation is the payload of an OpMutation change event.
type Mutation struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Cas        uint64          `json:"cas,omitempty"`
	Expiration uint32          `json:"expiration,omitempty"`
}

// Deletion is the payload of an OpDeletion change event.
type Deletion struct {
	Key string `json:"key"`
	Cas uint64 `json:"cas,omitempty"`
}

// TimerEntry describes a timer firing or a timer registration.
type TimerEntry struct {
	Callback  string          `json:"callback"`
	Reference string          `json:"reference,omitempty"`
	DueMs     int64           `json:"due_ms"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// WriteOp is one acknowledged store write.
type WriteOp struct {
	Op  string `json:"op"`
	Key string `json:"key"`
}

// StoreAck acknowledges the writes produced by one event.
type StoreAck struct {
	Writes []WriteOp `json:"writes"`
}

// Checkpoint reports the durable high-water mark of a partition.
type Checkpoint struct {
	WorkerID string `json:"worker_id"`
	Seq      uint64 `json:"seq"`
}

// DecodeMutation parses a mutation payload.
func DecodeMutation(b []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(b, &m); err != nil {
		return Mutation{}, fmt.Errorf("decode mutation: %w", err)
	}
	if m.Key == "" {
		return Mutation{}, fmt.Errorf("decode mutation: missing key")
	}
	return m, nil
}

// DecodeDeletion parses a deletion payload.
func DecodeDeletion(b []byte) (Deletion, error) {
	var d Deletion
	if err := json.Unmarshal(b, &d); err != nil {
		return Deletion{}, fmt.Errorf("decode deletion: %w", err)
	}
	if d.Key == "" {
		return Deletion{}, fmt.Errorf("decode deletion: missing key")
	}
	return d, nil
}

// DecodeTimerEntry parses a timer payload.
func DecodeTimerEntry(b []byte) (TimerEntry, error) {
	var t TimerEntry
	if err := json.Unmarshal(b, &t); err != nil {
		return TimerEntry{}, fmt.Errorf("decode timer entry: %w", err)
	}
	if t.Callback == "" {
		return TimerEntry{}, fmt.Errorf("decode timer entry: missing callback")
	}
	return t, nil
}

// Response builds an outbound frame body.
func Response(op Opcode, partition int16, metadata string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	msg, err := NewMessage(EventResponse, op, partition, metadata, payload)
	if err != nil {
		return nil, err
	}
	return Encode(msg)
}
