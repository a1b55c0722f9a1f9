package serial

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebari-go/nebari/nebarierr"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteByte(7)
	w.WriteUint16(1234)
	w.WriteUint32(987654321)
	w.WriteUint64(1 << 40)
	require.NoError(t, w.WriteBytes16([]byte("a key")))
	w.WriteBytes32([]byte("a rather longer value payload"))

	r := NewReader(w.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(7), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1234), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(987654321), u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), u64)

	key, err := r.ReadBytes16()
	require.NoError(t, err)
	require.Equal(t, "a key", string(key))

	value, err := r.ReadBytes32()
	require.NoError(t, err)
	require.Equal(t, "a rather longer value payload", string(value))

	require.Equal(t, 0, r.Remaining())
}

func TestWriteBytes16RejectsOversizedKey(t *testing.T) {
	w := NewWriter()
	err := w.WriteBytes16(make([]byte, MaxKeyLength+1))
	require.Error(t, err)
	require.True(t, errors.Is(err, nebarierr.ErrKeyTooLarge))
}

func TestReaderErrorsOnShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.ReadUint32()
	require.Error(t, err)
}
