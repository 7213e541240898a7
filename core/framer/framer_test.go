package framer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records everything written to it, like a minimal in-memory
// stand-in for a net.Conn.
type fakeTransport struct {
	written bytes.Buffer
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	return t.written.Write(p)
}

func encodeFrame(payload []byte) []byte {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	buf.Write(lenPrefix[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestConnectionMadeWritesPrologue(t *testing.T) {
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
	require.NoError(t, f.ConnectionMade())
	assert.Equal(t, "out", tr.written.String())
}

func TestRelayPathWritesHandshakeFirst(t *testing.T) {
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
	f.UseRelay([]byte("please-relay-to-X"))
	require.NoError(t, f.ConnectionMade())
	assert.Equal(t, "please-relay-to-X", tr.written.String())

	tokens, err := f.AddAndParse([]byte("ok\n"))
	require.NoError(t, err)
	assert.Empty(t, tokens, "RelayOK must not be yielded to the caller")
	assert.Equal(t, "please-relay-to-Xout", tr.written.String())

	tokens, err = f.AddAndParse([]byte("in"))
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, TokenPrologue, tokens[0].Kind)
}

func TestRelayPathFragmentedAcrossThreeWrites(t *testing.T) {
	// Relay ack and prologue trickle in across separate writes: "o", then
	// "k\n", then "in", then a full frame.
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
	f.UseRelay([]byte("please-relay-to-X"))
	require.NoError(t, f.ConnectionMade())

	var all []Token
	for _, chunk := range [][]byte{[]byte("o"), []byte("k\n"), []byte("in"), encodeFrame([]byte("hello"))} {
		toks, err := f.AddAndParse(chunk)
		require.NoError(t, err)
		all = append(all, toks...)
	}

	require.Len(t, all, 2)
	assert.Equal(t, TokenPrologue, all[0].Kind)
	assert.Equal(t, TokenFrame, all[1].Kind)
	assert.Equal(t, []byte("hello"), all[1].Frame)
}

func TestBadPrologueDisconnectsOnNewline(t *testing.T) {
	// Expected inbound prologue is "inboundXYZ"; the peer sends "inbound\n"
	// instead, which should disconnect as soon as the newline arrives.
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("inboundXYZ")})
	require.NoError(t, f.ConnectionMade())

	_, err := f.AddAndParse([]byte("inbound\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisconnect))
}

func TestGoodPrologueNotDisconnectedEarly(t *testing.T) {
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("inboundXYZ")})
	require.NoError(t, f.ConnectionMade())

	tokens, err := f.AddAndParse([]byte("inbound"))
	require.NoError(t, err)
	assert.Empty(t, tokens)

	tokens, err = f.AddAndParse([]byte("XYZ"))
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, TokenPrologue, tokens[0].Kind)
}

func TestSendFrameBeforeProloguePanics(t *testing.T) {
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
	assert.Panics(t, func() {
		_ = f.SendFrame([]byte("nope"))
	})
}

func TestFragmentedFrameEmitsExactlyOneToken(t *testing.T) {
	// A frame with a 1000-byte payload (1004 bytes with its length prefix)
	// arrives as 251 chunks of 4 bytes each.
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
	require.NoError(t, f.ConnectionMade())
	toks, err := f.AddAndParse([]byte("in"))
	require.NoError(t, err)
	require.Len(t, toks, 1)

	payload := bytes.Repeat([]byte{0x42}, 1000)
	full := encodeFrame(payload)

	var got []Token
	for i := 0; i < len(full); i += 4 {
		end := i + 4
		if end > len(full) {
			end = len(full)
		}
		toks, err := f.AddAndParse(full[i:end])
		require.NoError(t, err)
		if end < len(full) {
			assert.Empty(t, toks, "no token should be emitted before the frame completes")
		}
		got = append(got, toks...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, TokenFrame, got[0].Kind)
	assert.Equal(t, payload, got[0].Frame)
}

func TestSplitArbitrarilyProducesSameTokens(t *testing.T) {
	// Splitting a byte stream arbitrarily must yield the same token
	// sequence as feeding it in one call.
	payload1 := []byte("hello")
	payload2 := []byte("world, a bit longer this time")
	stream := append([]byte("in"), encodeFrame(payload1)...)
	stream = append(stream, encodeFrame(payload2)...)

	oneShot := New(&fakeTransport{}, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
	require.NoError(t, oneShot.ConnectionMade())
	wantTokens, err := oneShot.AddAndParse(stream)
	require.NoError(t, err)

	chunkSizes := []int{1, 3, 7, 16}
	for _, size := range chunkSizes {
		f := New(&fakeTransport{}, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in")})
		require.NoError(t, f.ConnectionMade())
		var got []Token
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			toks, err := f.AddAndParse(stream[i:end])
			require.NoError(t, err)
			got = append(got, toks...)
		}
		require.Len(t, got, len(wantTokens))
		for i := range got {
			assert.Equal(t, wantTokens[i].Kind, got[i].Kind)
			assert.Equal(t, wantTokens[i].Frame, got[i].Frame)
		}
	}
}

func TestOversizedFrameDisconnects(t *testing.T) {
	tr := &fakeTransport{}
	f := New(tr, Config{OutboundPrologue: []byte("out"), InboundPrologue: []byte("in"), MaxFrameSize: 16})
	require.NoError(t, f.ConnectionMade())
	_, err := f.AddAndParse([]byte("in"))
	require.NoError(t, err)

	_, err = f.AddAndParse(encodeFrame(bytes.Repeat([]byte{1}, 17)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisconnect))
}
