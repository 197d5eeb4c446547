package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediad/pkg/value"
)

func TestFramesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	req := Message{
		Kind:    KindRequest,
		Cookie:  7,
		Object:  2,
		Command: 6,
		Args:    []value.Value{value.String("left"), value.Int32(40)},
	}
	errReply := Message{Kind: KindError, Cookie: 7, Code: "INVALID_ARGUMENT", Error: "bad volume"}
	require.NoError(t, w.Write(req))
	require.NoError(t, w.Write(errReply))

	r := NewReader(&buf, 0)
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindRequest, got.Kind)
	assert.Equal(t, uint32(7), got.Cookie)
	require.Len(t, got.Args, 2)
	assert.True(t, value.Equal(req.Args[1], got.Args[1]))
	assert.True(t, got.Value.IsNone())

	got, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, errReply.Code, got.Code)
	assert.Equal(t, errReply.Error, got.Error)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1024)
	r := NewReader(bytes.NewReader(header[:]), 64)
	_, err := r.Read()
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReaderReportsTruncation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Write(Message{Kind: KindReply, Value: value.UInt32(1)}))
	data := buf.Bytes()[:buf.Len()-1]

	_, err := NewReader(bytes.NewReader(data), 0).Read()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	body, err := Encode(Message{Kind: Kind(42)})
	require.NoError(t, err)
	_, err = Decode(body)
	assert.Error(t, err)
}
