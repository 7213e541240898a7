// Package framer turns an arbitrarily fragmented inbound byte stream into a
// typed sequence of tokens (relay acknowledgement, prologue, length-prefixed
// frame), and serializes outbound frames. It has no cryptographic
// responsibility — see core/record for the layer built on top of it.
package framer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxFrameSize is the implementer-chosen cap on an individual frame's
// payload size. The wire format has no intrinsic maximum; this guards
// against a misbehaving or hostile peer claiming an enormous length prefix.
const DefaultMaxFrameSize = 1 << 20

var relayOKMarker = []byte("ok\n")

// ErrDisconnect is returned by AddAndParse when the peer has
// violated the framing protocol (bad relay reply, bad prologue, oversized
// frame) and the connection must be torn down.
var ErrDisconnect = errors.New("framing protocol violation, disconnecting")

// state is the Framer's internal state machine position.
type state int

const (
	wantRelay state = iota
	wantPrologue
	wantFrame
)

// TokenKind distinguishes the three token types a Framer can emit.
type TokenKind int

const (
	// TokenRelayOK is never yielded to callers: it is consumed internally
	// to trigger the prologue send. Included here for completeness/logging.
	TokenRelayOK TokenKind = iota
	TokenPrologue
	TokenFrame
)

// Token is a single parsed unit produced by AddAndParse.
type Token struct {
	Kind  TokenKind
	Frame []byte // valid when Kind == TokenFrame
}

// Transport is the minimal capability a Framer needs from the underlying
// connection: a place to write bytes. Closing/upcalls are the owning
// protocol's responsibility, not the Framer's.
type Transport interface {
	Write(p []byte) (int, error)
}

// Config configures a Framer instance.
type Config struct {
	OutboundPrologue []byte
	InboundPrologue  []byte
	MaxFrameSize     int // 0 means DefaultMaxFrameSize
}

// Framer drives the WantRelay -> WantPrologue -> WantFrame progression for
// one connection. Relay use is opt-in via UseRelay, which must be called
// before ConnectionMade.
type Framer struct {
	transport Transport

	outboundPrologue []byte
	inboundPrologue  []byte
	maxFrameSize     int

	state state

	buffer bytes.Buffer

	outboundRelayHandshake []byte
	expectedRelayReply     []byte

	canSendFrames bool

	log zerolog.Logger
}

// New creates a Framer in its initial WantPrologue state.
func New(transport Transport, cfg Config) *Framer {
	maxFrameSize := cfg.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Framer{
		transport:        transport,
		outboundPrologue: cfg.OutboundPrologue,
		inboundPrologue:  cfg.InboundPrologue,
		maxFrameSize:     maxFrameSize,
		state:            wantPrologue,
		log:              log.With().Str("component", "framer").Logger(),
	}
}

// UseRelay shifts the initial state to WantRelay and records the outbound
// relay handshake bytes to send on ConnectionMade. Must be called before
// ConnectionMade.
func (f *Framer) UseRelay(relayHandshake []byte) {
	f.state = wantRelay
	f.outboundRelayHandshake = relayHandshake
	f.expectedRelayReply = relayOKMarker
}

// ConnectionMade writes the relay handshake (if configured) or the outbound
// prologue, matching whichever state the Framer starts in.
func (f *Framer) ConnectionMade() error {
	if f.state == wantRelay {
		_, err := f.transport.Write(f.outboundRelayHandshake)
		return err
	}
	_, err := f.transport.Write(f.outboundPrologue)
	return err
}

// AddAndParse appends data to the internal buffer and returns every token
// that can now be parsed out of it, in order. TokenRelayOK is consumed
// internally (it is never present in the returned slice); TokenPrologue and
// TokenFrame are both surfaced to the caller.
//
// Splitting an input byte stream across multiple AddAndParse calls at
// arbitrary boundaries produces the same token sequence as a single call
// with the concatenated bytes.
func (f *Framer) AddAndParse(data []byte) ([]Token, error) {
	f.buffer.Write(data)

	var tokens []Token
	for {
		tok, ok, err := f.parseOne()
		if err != nil {
			return tokens, err
		}
		if !ok {
			return tokens, nil
		}
		switch tok.Kind {
		case TokenRelayOK:
			if err := f.onRelayOK(); err != nil {
				return tokens, err
			}
		case TokenPrologue:
			f.onPrologue()
			tokens = append(tokens, tok)
		case TokenFrame:
			tokens = append(tokens, tok)
		}
	}
}

// parseOne attempts to parse a single token out of the current buffer given
// the current state. ok is false if more bytes are needed.
func (f *Framer) parseOne() (Token, bool, error) {
	switch f.state {
	case wantRelay:
		return f.parseExpected("relay_ok", f.expectedRelayReply, TokenRelayOK)
	case wantPrologue:
		return f.parseExpected("prologue", f.inboundPrologue, TokenPrologue)
	case wantFrame:
		return f.parseFrame()
	default:
		return Token{}, false, nil
	}
}

// parseExpected implements the expected-prefix matching shared by WantRelay
// and WantPrologue: consume the expected constant if the buffer begins with
// it, keep waiting while the buffer remains a proper prefix of it, and fail
// once the buffer reaches the expected length or contains a newline,
// whichever comes first.
func (f *Framer) parseExpected(name string, expected []byte, kind TokenKind) (Token, bool, error) {
	buf := f.buffer.Bytes()
	le := len(expected)

	if bytes.HasPrefix(buf, expected) {
		f.buffer.Next(le)
		return Token{Kind: kind}, true, nil
	}

	lb := len(buf)
	overlap := lb
	if overlap > le {
		overlap = le
	}
	matchesSoFar := bytes.Equal(buf[:overlap], expected[:overlap])

	if !matchesSoFar {
		if bytes.IndexByte(buf, '\n') >= 0 || lb >= le {
			f.log.Warn().Str("field", name).Bytes("prefix", safeCopy(buf, le)).Msg("bad prefix, disconnecting")
			return Token{}, false, fmt.Errorf("%w: bad %s", ErrDisconnect, name)
		}
	}
	return Token{}, false, nil
}

func safeCopy(buf []byte, n int) []byte {
	if n > len(buf) {
		n = len(buf)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

// parseFrame implements length-prefixed frame parsing: a frame is ready iff
// the buffer holds at least 4 bytes and at least 4+N bytes, where N is the
// big-endian length prefix.
func (f *Framer) parseFrame() (Token, bool, error) {
	buf := f.buffer.Bytes()
	if len(buf) < 4 {
		return Token{}, false, nil
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if n > uint32(f.maxFrameSize) {
		f.log.Warn().Uint32("frame_len", n).Int("max", f.maxFrameSize).Msg("oversized frame, disconnecting")
		return Token{}, false, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrDisconnect, n, f.maxFrameSize)
	}
	if len(buf) < int(4+n) {
		return Token{}, false, nil
	}
	frame := make([]byte, n)
	copy(frame, buf[4:4+n])
	f.buffer.Next(int(4 + n))
	return Token{Kind: TokenFrame, Frame: frame}, true, nil
}

func (f *Framer) onRelayOK() error {
	f.state = wantPrologue
	_, err := f.transport.Write(f.outboundPrologue)
	return err
}

func (f *Framer) onPrologue() {
	f.state = wantFrame
	f.canSendFrames = true
}

// SendFrame writes a length-prefixed frame to the transport. It must not be
// called before a TokenPrologue has been emitted by AddAndParse; doing so is
// a programmer error and panics.
func (f *Framer) SendFrame(payload []byte) error {
	if !f.canSendFrames {
		panic("framer: SendFrame called before prologue was received")
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := f.transport.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := f.transport.Write(payload)
	return err
}
