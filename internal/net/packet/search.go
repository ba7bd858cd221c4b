package packet

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// searchInitialKey seeds the 24-byte rotating key used on the search/AH
// port. Bytes 16..19 rotate to the value carried in the last 4 bytes of
// every frame; the rest stays fixed.
var searchInitialKey = [24]byte{
	0x30, 0x73, 0x3D, 0x6D,
	0x3C, 0x31, 0x49, 0x5A,
	0x32, 0x7A, 0x42, 0x43,
	0x63, 0x38, 0x7B, 0x7E,
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// Search frames reuse the base header but append a trailing digest and the
// rotating key suffix inside the frame length:
//
//	[0:8]          length + magic, in the clear
//	[8:size-20]    type, header digest and payload, encrypted
//	[size-20:size-4] MD5 of the plaintext [8:size-20] region
//	[size-4:size]  rotating key suffix, in the clear
const searchTrailerSize = md5.Size + 4

// SearchCodec encrypts and decrypts search-port frames for one connection.
// Not safe for concurrent use; the key state is per-connection.
type SearchCodec struct {
	key [24]byte
}

func NewSearchCodec() *SearchCodec {
	c := &SearchCodec{}
	copy(c.key[:], searchInitialKey[:])
	return c
}

// Decode decrypts a raw received frame in place and returns the decoded
// frame. The key suffix is adopted from the frame before decrypting.
func (c *SearchCodec) Decode(frame []byte) (*Frame, error) {
	if len(frame) < HeaderSize+searchTrailerSize {
		return nil, fmt.Errorf("packet: search frame length %d too short", len(frame))
	}
	copy(c.key[16:20], frame[len(frame)-4:])
	cipher, err := blowfish.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("init search cipher: %w", err)
	}
	region := frame[8 : len(frame)-searchTrailerSize]
	cryptBlocks(cipher, region, true)
	sum := md5.Sum(region)
	if !bytes.Equal(sum[:], frame[len(frame)-searchTrailerSize:len(frame)-4]) {
		return nil, ErrDigestMismatch
	}
	return &Frame{
		Type:    binary.LittleEndian.Uint32(frame[8:12]),
		Payload: frame[HeaderSize : len(frame)-searchTrailerSize],
	}, nil
}

// Encode builds a fully encrypted search frame for typ/payload using the
// current key. The server never rotates the key on its own; the suffix it
// last adopted is echoed back in the trailer.
func (c *SearchCodec) Encode(typ uint32, payload []byte) ([]byte, error) {
	size := HeaderSize + len(payload) + searchTrailerSize
	if size > MaxFrameSize {
		return nil, ErrFrameTooBig
	}
	frame := make([]byte, size)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(size))
	copy(frame[4:8], frameMagic[:])
	binary.LittleEndian.PutUint32(frame[8:12], typ)
	copy(frame[HeaderSize:], payload)
	copy(frame[size-4:], c.key[16:20])

	// The header digest sits inside the encrypted region, so it must be
	// in place before the trailing digest is taken.
	hdrSum := md5.Sum(frame)
	copy(frame[12:28], hdrSum[:])

	region := frame[8 : size-searchTrailerSize]
	sum := md5.Sum(region)
	copy(frame[size-searchTrailerSize:size-4], sum[:])

	cipher, err := blowfish.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("init search cipher: %w", err)
	}
	cryptBlocks(cipher, region, false)
	return frame, nil
}

// cryptBlocks runs blowfish over b in ECB fashion. A trailing partial
// block stays in the clear, matching the client.
func cryptBlocks(cipher *blowfish.Cipher, b []byte, decrypt bool) {
	for i := 0; i+blowfish.BlockSize <= len(b); i += blowfish.BlockSize {
		block := b[i : i+blowfish.BlockSize]
		if decrypt {
			cipher.Decrypt(block, block)
		} else {
			cipher.Encrypt(block, block)
		}
	}
}
