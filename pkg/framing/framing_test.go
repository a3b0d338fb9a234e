package framing

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
)

// pipe is a minimal io.ReadWriter over a shared buffer, enough to drive a
// Framer end to end within a single test without real sockets.
type pipe struct {
	buf bytes.Buffer
}

func (p *pipe) Read(b []byte) (int, error)  { return p.buf.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.buf.Write(b) }

func TestBlockFramingTwoMessages(t *testing.T) {
	tr := &pipe{}
	fr := NewBlock(tr)

	writeInt := func(v int64) {
		w := chainpack.NewWriter(fr.Writer())
		_, err := w.PackInt(v)
		require.NoError(t, err)
		require.NoError(t, fr.SendMsg())
	}
	writeInt(42)
	writeInt(43)

	readInt := func() int64 {
		res, err := fr.NextMsg()
		require.NoError(t, err)
		require.Equal(t, ResultMessage, res)
		r := chainpack.NewReader(fr.Reader())
		var item chainpack.Item
		_, err = r.Unpack(&item)
		require.NoError(t, err)
		ok, err := fr.ValidMsg()
		require.NoError(t, err)
		assert.True(t, ok)
		return item.Int
	}
	assert.EqualValues(t, 42, readInt())
	assert.EqualValues(t, 43, readInt())

	res, err := fr.NextMsg()
	require.NoError(t, err)
	assert.Equal(t, ResultNothing, res)
}

func TestBlockFramingResetFrame(t *testing.T) {
	tr := &pipe{}
	fr := NewBlock(tr)
	// A reset frame is length=1, protocol id 0, no payload.
	_, err := chainpack.WriteVarUint(tr, 1)
	require.NoError(t, err)
	_, err = tr.Write([]byte{blockProtoReset})
	require.NoError(t, err)

	res, err := fr.NextMsg()
	require.NoError(t, err)
	assert.Equal(t, ResultReset, res)
}

func TestSerialFramingDecodesEscapedControlBytes(t *testing.T) {
	tr := &pipe{}
	// STX 01 85 04 AA 02 AA 03 AA 04 AA 0A ETX
	_, err := tr.Write([]byte{
		stx, 0x01, 0x85, 0x04,
		esc, 0x02, esc, 0x03, esc, 0x04, esc, 0x0A,
		etx,
	})
	require.NoError(t, err)

	fr := NewSerial(tr, false)
	res, err := fr.NextMsg()
	require.NoError(t, err)
	require.Equal(t, ResultMessage, res)

	payload, err := io.ReadAll(fr.Reader())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x85, 0x04, stx, etx, atx, esc}, payload)

	ok, err := fr.ValidMsg()
	require.NoError(t, err)
	assert.True(t, ok)
}

func serialCRCFrame() []byte {
	return []byte{
		stx, 0x01, 0x85, 0x04,
		esc, 0x02, esc, 0x03, esc, 0x04, esc, 0x0A,
		etx,
		0x35, 0x1E, 0xB3, 0x90,
	}
}

func TestSerialCRCFramingValidates(t *testing.T) {
	tr := &pipe{}
	_, err := tr.Write(serialCRCFrame())
	require.NoError(t, err)

	fr := NewSerial(tr, true)
	res, err := fr.NextMsg()
	require.NoError(t, err)
	require.Equal(t, ResultMessage, res)

	_, err = io.ReadAll(fr.Reader())
	require.NoError(t, err)

	ok, err := fr.ValidMsg()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSerialCRCFramingDetectsCorruption(t *testing.T) {
	frame := serialCRCFrame()
	frame[2] ^= 0xff // flip a payload byte
	tr := &pipe{}
	_, err := tr.Write(frame)
	require.NoError(t, err)

	fr := NewSerial(tr, true)
	res, err := fr.NextMsg()
	require.NoError(t, err)
	require.Equal(t, ResultMessage, res)

	_, err = io.ReadAll(fr.Reader())
	require.NoError(t, err)

	ok, err := fr.ValidMsg()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSerialFramingRoundTrip(t *testing.T) {
	tr := &pipe{}
	fr := NewSerial(tr, true)

	w := chainpack.NewWriter(fr.Writer())
	_, err := w.PackString("hello")
	require.NoError(t, err)
	require.NoError(t, fr.SendMsg())

	res, err := fr.NextMsg()
	require.NoError(t, err)
	require.Equal(t, ResultMessage, res)

	r := chainpack.NewReader(fr.Reader())
	var item chainpack.Item
	_, err = r.Unpack(&item)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(item.Blob))

	ok, err := fr.ValidMsg()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSerialFramingAbort(t *testing.T) {
	tr := &pipe{}
	fr := NewSerial(tr, false)

	w := chainpack.NewWriter(fr.Writer())
	_, err := w.PackString("partial")
	require.NoError(t, err)
	require.NoError(t, fr.DropMsg())

	res, err := fr.NextMsg()
	require.NoError(t, err)
	require.Equal(t, ResultMessage, res)

	_, err = io.ReadAll(fr.Reader())
	assert.ErrorIs(t, err, ErrAborted)

	ok, err := fr.ValidMsg()
	require.NoError(t, err)
	assert.False(t, ok)
}
