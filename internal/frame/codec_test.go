package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Layout(t *testing.T) {
	msg, err := NewMessage(EventChange, OpMutation, 3, "vb=3;seq=1001;type=json", []byte(`{"key":"k"}`))
	require.NoError(t, err)

	body, err := Encode(msg)
	require.NoError(t, err)

	want := []byte{0x01, 0x01, 0x00, 0x03, 0x00, 0x17}
	want = append(want, "vb=3;seq=1001;type=json"...)
	want = append(want, `{"key":"k"}`...)
	assert.Equal(t, want, body)
}

func TestDecode_RoundTrip(t *testing.T) {
	msg, err := NewMessage(EventControl, OpEraseFilter, -1, "vb=9;seq=1;type=ctl", nil)
	require.NoError(t, err)

	body, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)
	assert.Equal(t, Unpartitioned, got.Header.Partition)
	assert.Empty(t, got.Payload.Payload)
	assert.Equal(t, msg.Header.Size(), len(got.Payload.Header))
}

func TestDecode_ShortBody(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x01})
	assert.True(t, errors.Is(err, ErrShortFrame))

	// metadata length claims more bytes than present
	_, err = Decode([]byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x10, 'v'})
	assert.True(t, errors.Is(err, ErrShortFrame))
}

func TestFrame_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, []byte("two")))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "two", string(second))

	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_RejectsOversize(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.Error(t, err)

	r := bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	_, err = ReadFrame(r)
	assert.Error(t, err)
}

func TestResponse_Checkpoint(t *testing.T) {
	body, err := Response(OpCheckpoint, 5, "", Checkpoint{WorkerID: "w", Seq: 42})
	require.NoError(t, err)

	msg, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, EventResponse, msg.Header.Event)
	assert.Equal(t, OpCheckpoint, msg.Header.Opcode)
	assert.Equal(t, int16(5), msg.Header.Partition)
	assert.JSONEq(t, `{"worker_id":"w","seq":42}`, string(msg.Payload.Payload))
}

func TestDecodePayloads(t *testing.T) {
	m, err := DecodeMutation([]byte(`{"key":"doc1","value":{"a":1},"cas":9}`))
	require.NoError(t, err)
	assert.Equal(t, "doc1", m.Key)
	assert.JSONEq(t, `{"a":1}`, string(m.Value))

	_, err = DecodeMutation([]byte(`{"value":1}`))
	assert.Error(t, err)

	_, err = DecodeDeletion([]byte(`not json`))
	assert.Error(t, err)

	te, err := DecodeTimerEntry([]byte(`{"callback":"fire","due_ms":10,"context":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "fire", te.Callback)
}
