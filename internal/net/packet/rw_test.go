package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReaderWriterFields(t *testing.T) {
	w := NewWriter()
	w.WriteC(0x7F)
	w.WriteH(0xBEEF)
	w.WriteD(0xCAFEBABE)
	w.WriteString("Ayame", 16)
	w.WriteZero(3)
	w.WriteBytes([]byte{1, 2})

	r := NewReader(w.Bytes())
	assert.Equal(t, byte(0x7F), r.ReadC())
	assert.Equal(t, uint16(0xBEEF), r.ReadH())
	assert.Equal(t, uint32(0xCAFEBABE), r.ReadD())
	assert.Equal(t, "Ayame", r.ReadString(16))
	r.Skip(3)
	assert.Equal(t, []byte{1, 2}, r.ReadBytes(2))
	assert.Equal(t, 0, r.Remaining())
}

func TestReaderShortData(t *testing.T) {
	r := NewReader([]byte{0x01})
	assert.Equal(t, byte(1), r.ReadC())
	assert.Equal(t, uint16(0), r.ReadH())
	assert.Equal(t, uint32(0), r.ReadD())
	assert.Empty(t, r.ReadBytes(4))
	assert.Equal(t, 0, r.Remaining())
}

func TestWriteStringTruncates(t *testing.T) {
	w := NewWriter()
	w.WriteString("NameThatIsWayTooLongForTheField", 16)
	assert.Equal(t, 16, w.Len())

	r := NewReader(w.Bytes())
	assert.Equal(t, "NameThatIsWayToo", r.ReadString(16))
}

func TestStringShiftJIS(t *testing.T) {
	w := NewWriter()
	w.WriteString("ミスラ", 16)

	r := NewReader(w.Bytes())
	assert.Equal(t, "ミスラ", r.ReadString(16))
}
