package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 8 << 20

// event + opcode + partition + metadata length
const headerFixedSize = 1 + 1 + 2 + 2

// ErrShortFrame is returned when a body is too small to hold its header.
var ErrShortFrame = errors.New("frame: short body")

func encodeHeader(h MessageHeader) ([]byte, error) {
	if len(h.Metadata) > math.MaxUint16 {
		return nil, fmt.Errorf("frame: metadata too large: %d", len(h.Metadata))
	}
	buf := make([]byte, headerFixedSize+len(h.Metadata))
	buf[0] = byte(h.Event)
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Partition))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(h.Metadata)))
	copy(buf[headerFixedSize:], h.Metadata)
	return buf, nil
}

// Split separates a frame body into its raw header and payload bytes without
// decoding either.
func Split(body []byte) (MessagePayload, error) {
	if len(body) < headerFixedSize {
		return MessagePayload{}, ErrShortFrame
	}
	metaLen := int(binary.BigEndian.Uint16(body[4:6]))
	end := headerFixedSize + metaLen
	if len(body) < end {
		return MessagePayload{}, fmt.Errorf("%w: metadata length %d exceeds body", ErrShortFrame, metaLen)
	}
	return MessagePayload{Header: body[:end], Payload: body[end:]}, nil
}

// DecodeHeader decodes the raw header bytes produced by Split.
func DecodeHeader(raw []byte) (MessageHeader, error) {
	if len(raw) < headerFixedSize {
		return MessageHeader{}, ErrShortFrame
	}
	metaLen := int(binary.BigEndian.Uint16(raw[4:6]))
	if len(raw) != headerFixedSize+metaLen {
		return MessageHeader{}, fmt.Errorf("frame: header length %d, want %d", len(raw), headerFixedSize+metaLen)
	}
	return MessageHeader{
		Event:     Event(raw[0]),
		Opcode:    Opcode(raw[1]),
		Partition: int16(binary.BigEndian.Uint16(raw[2:4])),
		Metadata:  string(raw[headerFixedSize:]),
	}, nil
}

// Decode turns a frame body into a WorkerMessage.
func Decode(body []byte) (*WorkerMessage, error) {
	env, err := Split(body)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(env.Header)
	if err != nil {
		return nil, err
	}
	return &WorkerMessage{Header: h, Payload: env}, nil
}

// Encode renders a message as a frame body (without the size prefix).
func Encode(m *WorkerMessage) ([]byte, error) {
	raw := m.Payload.Header
	if raw == nil {
		var err error
		if raw, err = encodeHeader(m.Header); err != nil {
			return nil, err
		}
	}
	body := make([]byte, 0, len(raw)+len(m.Payload.Payload))
	body = append(body, raw...)
	body = append(body, m.Payload.Payload...)
	return body, nil
}

// WriteFrame writes a size-prefixed body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(body))
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one size-prefixed body.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(size[:])
	if sz == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if sz > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", sz)
	}
	body := make([]byte, int(sz))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
