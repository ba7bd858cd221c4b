package packet

import (
	"encoding/binary"

	"golang.org/x/text/encoding/japanese"
)

// Writer builds a frame payload. All multi-byte writes are little-endian.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// WriteC writes 1 byte.
func (w *Writer) WriteC(v byte) {
	w.buf = append(w.buf, v)
}

// WriteH writes 2 bytes little-endian.
func (w *Writer) WriteH(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteD writes 4 bytes little-endian.
func (w *Writer) WriteD(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteString writes s as an n-byte NUL-padded Shift-JIS field,
// truncating if the encoded form is longer than n.
func (w *Writer) WriteString(s string, n int) {
	field := make([]byte, n)
	encoded, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte(s))
	if err != nil {
		encoded = []byte(s) // fallback, fine for pure ASCII
	}
	copy(field, encoded)
	w.buf = append(w.buf, field...)
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteZero writes n zero bytes.
func (w *Writer) WriteZero(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// Bytes returns the payload built so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the current length.
func (w *Writer) Len() int {
	return len(w.buf)
}
