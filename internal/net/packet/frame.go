package packet

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format of a view/search frame:
//
//	[0:4]   u32 LE  frame length, including this header
//	[4:8]   magic "IXFF"
//	[8:12]  u32 LE  frame type
//	[12:28] MD5 of the whole frame, computed with this field zeroed
//	[28:]   payload
const (
	HeaderSize   = 28
	MaxFrameSize = 1 << 20
)

var frameMagic = [4]byte{'I', 'X', 'F', 'F'}

var (
	ErrBadMagic       = errors.New("packet: bad frame magic")
	ErrFrameTooBig    = errors.New("packet: frame exceeds maximum size")
	ErrDigestMismatch = errors.New("packet: frame digest mismatch")
)

// Frame is one decoded view/search frame.
type Frame struct {
	Type    uint32
	Payload []byte
}

// ReadRaw reads one frame from r and returns the complete frame bytes,
// header included. Only the magic and length bounds are checked here; the
// digest is left to the caller because search frames carry it encrypted.
func ReadRaw(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if !bytes.Equal(header[4:8], frameMagic[:]) {
		return nil, ErrBadMagic
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooBig
	}
	if size < HeaderSize {
		return nil, fmt.Errorf("packet: frame length %d shorter than header", size)
	}
	frame := make([]byte, size)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", size-HeaderSize, err)
	}
	return frame, nil
}

// ReadFrame reads and verifies one plaintext frame from r. An all-zero
// digest is accepted as-is; retail clients send those on some packets.
func ReadFrame(r io.Reader) (*Frame, error) {
	frame, err := ReadRaw(r)
	if err != nil {
		return nil, err
	}
	var zero [md5.Size]byte
	if !bytes.Equal(frame[12:28], zero[:]) {
		var got [md5.Size]byte
		copy(got[:], frame[12:28])
		copy(frame[12:28], zero[:])
		if md5.Sum(frame) != got {
			return nil, ErrDigestMismatch
		}
	}
	return &Frame{
		Type:    binary.LittleEndian.Uint32(frame[8:12]),
		Payload: frame[HeaderSize:],
	}, nil
}

// Marshal builds the full frame bytes for typ/payload with the digest
// populated.
func Marshal(typ uint32, payload []byte) ([]byte, error) {
	size := HeaderSize + len(payload)
	if size > MaxFrameSize {
		return nil, ErrFrameTooBig
	}
	frame := make([]byte, size)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(size))
	copy(frame[4:8], frameMagic[:])
	binary.LittleEndian.PutUint32(frame[8:12], typ)
	copy(frame[HeaderSize:], payload)
	sum := md5.Sum(frame)
	copy(frame[12:28], sum[:])
	return frame, nil
}

// WriteFrame marshals typ/payload and writes the frame to w.
func WriteFrame(w io.Writer, typ uint32, payload []byte) error {
	frame, err := Marshal(typ, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
