package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType tags the payload carried by a binary frame.
type FrameType uint32

const (
	FrameEvent FrameType = iota + 1
	FrameBatch
	FrameSnapshot
	FrameHeartbeat
)

// MaxFramePayload bounds what ReadFrame will accept. Batches and snapshot
// payloads stay well under this.
const MaxFramePayload = 16 << 20

const frameHeaderLen = 12

var (
	ErrFrameLength   = errors.New("frame length out of range")
	ErrFrameChecksum = errors.New("frame checksum mismatch")
)

// RollingChecksum sums payload bytes mod 2^32. Cheap to compute on both
// ends and catches the truncation and bit-rot cases we care about on the
// local wire.
func RollingChecksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return sum
}

// WriteFrame emits header (type, length, rolling checksum, all 4-byte LE)
// then the payload.
func WriteFrame(w io.Writer, typ FrameType, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameLength, len(payload))
	}

	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[8:12], RollingChecksum(payload))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame, rejecting oversized lengths and payloads whose
// rolling checksum does not match the header.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	typ := FrameType(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	want := binary.LittleEndian.Uint32(hdr[8:12])

	if length > MaxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameLength, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if got := RollingChecksum(payload); got != want {
		return 0, nil, fmt.Errorf("%w: got %08x want %08x", ErrFrameChecksum, got, want)
	}
	return typ, payload, nil
}
