package framing

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/samsamfire/atcfand/internal/sockopt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader replays a byte slice to Read callers in fixed-size slices,
// regardless of how much buffer space the caller offers, to exercise
// partial reads through the reassembler.
type chunkedReader struct {
	data      []byte
	chunkSize int
}

func (c *chunkedReader) Read(buf []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, sockopt.ErrWouldBlock
	}
	n := c.chunkSize
	if n > len(buf) {
		n = len(buf)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(buf, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

type byteBufWriter struct {
	buf bytes.Buffer
}

func (w *byteBufWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func frameBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	w := &byteBufWriter{}
	require.NoError(t, SendDatagram(w, payload))
	return w.buf.Bytes()
}

func TestRoundTripByteAtATime(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 300)
	wire := frameBytes(t, payload)

	r := NewReassembler(len(payload))
	reader := &chunkedReader{data: wire, chunkSize: 1}

	var got []byte
	for got == nil {
		out, err := r.Recv(reader)
		require.NoError(t, err)
		if out != nil {
			got = out
		}
	}
	assert.Equal(t, payload, got)
}

func TestRoundTripArbitraryChunking(t *testing.T) {
	payload := []byte("hello, gdl90")
	wire := frameBytes(t, payload)

	for _, chunkSize := range []int{1, 2, 3, 7, 64} {
		r := NewReassembler(len(payload))
		reader := &chunkedReader{data: append([]byte(nil), wire...), chunkSize: chunkSize}

		var got []byte
		for got == nil {
			out, err := r.Recv(reader)
			require.NoError(t, err)
			if out != nil {
				got = out
			}
		}
		assert.Equal(t, payload, got, "chunkSize=%d", chunkSize)
	}
}

func TestRecvRejectsOversizeHeader(t *testing.T) {
	wire := frameBytes(t, make([]byte, 17))
	r := NewReassembler(16)
	reader := &chunkedReader{data: wire, chunkSize: 64}

	out, err := r.Recv(reader)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRecvWouldBlockIsNotAnError(t *testing.T) {
	r := NewReassembler(16)
	reader := &chunkedReader{data: nil}

	out, err := r.Recv(reader)
	assert.Nil(t, out)
	assert.NoError(t, err)
}

func TestRecvCleanCloseMidFrame(t *testing.T) {
	wire := frameBytes(t, make([]byte, 10))
	r := NewReassembler(16)
	reader := &chunkedReader{data: wire[:1], chunkSize: 64}

	_, err := r.Recv(reader)
	require.NoError(t, err)

	closedReader := &eofReader{}
	_, err = r.Recv(closedReader)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

type eofReader struct{}

func (eofReader) Read(buf []byte) (int, error) { return 0, nil }

func TestSendRejectsOversizePayload(t *testing.T) {
	w := &byteBufWriter{}
	err := SendDatagram(w, make([]byte, MaxFramePayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
