package model

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload, err := Marshal(testEvent())
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, FrameEvent, payload))

	typ, got, err := ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, FrameEvent, typ)
	require.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, FrameHeartbeat, nil))

	typ, got, err := ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, FrameHeartbeat, typ)
	require.Empty(t, got)
}

func TestFrameRejectsCorruptPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, FrameBatch, []byte("batch bytes")))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrFrameChecksum)
}

func TestFrameRejectsOversizeLength(t *testing.T) {
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(FrameEvent))
	binary.LittleEndian.PutUint32(hdr[4:8], MaxFramePayload+1)

	_, _, err := ReadFrame(bytes.NewReader(hdr[:]))
	require.ErrorIs(t, err, ErrFrameLength)
}

func TestFrameRejectsTruncation(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, FrameEvent, []byte("0123456789")))

	raw := buf.Bytes()
	_, _, err := ReadFrame(bytes.NewReader(raw[:len(raw)-3]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRollingChecksum(t *testing.T) {
	require.Equal(t, uint32(0), RollingChecksum(nil))
	require.Equal(t, uint32('a')+uint32('b'), RollingChecksum([]byte("ab")))
}
