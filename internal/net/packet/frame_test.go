package packet

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeGetCharacterList, payload))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeGetCharacterList, f.Type)
	assert.Equal(t, payload, f.Payload)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeGetWorldList, nil))
	assert.Equal(t, HeaderSize, buf.Len())

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeGetWorldList, f.Type)
	assert.Empty(t, f.Payload)
}

func TestFrameZeroDigestAccepted(t *testing.T) {
	frame, err := Marshal(TypeLoginRequest, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	for i := 12; i < 28; i++ {
		frame[i] = 0
	}

	f, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeLoginRequest, f.Type)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Payload)
}

func TestFrameDigestMismatch(t *testing.T) {
	frame, err := Marshal(TypeLoginRequest, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	_, err = ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestFrameBadMagic(t *testing.T) {
	frame, err := Marshal(TypeDone, nil)
	require.NoError(t, err)
	frame[4] = 'X'

	_, err = ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestFrameTooBig(t *testing.T) {
	frame, err := Marshal(TypeDone, nil)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(frame[0:4], MaxFrameSize+1)

	_, err = ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrFrameTooBig)

	_, err = Marshal(TypeDone, make([]byte, MaxFrameSize))
	assert.ErrorIs(t, err, ErrFrameTooBig)
}

func TestFrameLengthShorterThanHeader(t *testing.T) {
	frame, err := Marshal(TypeDone, nil)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(frame[0:4], HeaderSize-1)

	_, err = ReadFrame(bytes.NewReader(frame))
	assert.Error(t, err)
}

func TestFrameTruncated(t *testing.T) {
	frame, err := Marshal(TypeCharacterList, make([]byte, 32))
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-5]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
