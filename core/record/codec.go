package record

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilation-l2/l2core/core/framer"
	"github.com/dilation-l2/l2core/core/noisewire"
)

// ErrDisconnect is returned for any failure that must tear down the owning
// connection: a framing violation bubbled up from the Framer, a Noise
// handshake failure, a record authentication failure, or an unrecognised
// record tag.
var ErrDisconnect = errors.New("record codec: disconnecting")

// TokenKind distinguishes the two token types the codec can emit upward.
type TokenKind int

const (
	TokenHandshake TokenKind = iota
	TokenRecord
)

// Token is a single parsed unit produced by DataReceived.
type Token struct {
	Kind   TokenKind
	Record Record // valid when Kind == TokenRecord
}

// codecState is the Codec's position in its WantPrologue -> WantHandshake ->
// WantMessage progression.
type codecState int

const (
	wantPrologue codecState = iota
	wantHandshake
	wantMessage
)

// Config configures a Codec.
type Config struct {
	Framer  *framer.Framer
	Session noisewire.Session
}

// Codec drives a Framer and layers a Noise session on top of it to produce
// a typed (Handshake | Record) token stream.
type Codec struct {
	framer  *framer.Framer
	session noisewire.Session
	state   codecState
	log     zerolog.Logger
}

// New creates a Codec in its initial WantPrologue state.
func New(cfg Config) *Codec {
	return &Codec{
		framer:  cfg.Framer,
		session: cfg.Session,
		state:   wantPrologue,
		log:     log.With().Str("component", "record_codec").Logger(),
	}
}

// ConnectionMade forwards to the underlying Framer.
func (c *Codec) ConnectionMade() error {
	return c.framer.ConnectionMade()
}

// DataReceived drives Framer parsing on the given bytes and returns every
// (Handshake | Record) token now available, in order. A TokenPrologue from
// the Framer triggers this side's handshake write (for the initiator) or
// simply advances the codec to wait for the peer's message (for the
// responder, which must read before it can write — see noisewire.Role).
func (c *Codec) DataReceived(data []byte) ([]Token, error) {
	frames, err := c.framer.AddAndParse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	var tokens []Token
	for _, tok := range frames {
		switch tok.Kind {
		case framer.TokenPrologue:
			if err := c.onPrologue(); err != nil {
				return tokens, err
			}
		case framer.TokenFrame:
			t, err := c.onFrame(tok.Frame)
			if err != nil {
				return tokens, err
			}
			if t != nil {
				tokens = append(tokens, *t)
			}
		}
	}
	return tokens, nil
}

// onPrologue fires on entry to WantHandshake. The initiator (Leader) sends
// its handshake message immediately. The responder (Follower) cannot write
// yet under flynn/noise's pattern ordering, so it stays silent until it has
// read the initiator's message.
func (c *Codec) onPrologue() error {
	c.state = wantHandshake
	if c.session.Role() == noisewire.RoleResponder {
		return nil
	}
	msg, err := c.session.WriteHandshake()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	if err := c.framer.SendFrame(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	return nil
}

// onFrame dispatches the next inbound frame based on codec state.
func (c *Codec) onFrame(frame []byte) (*Token, error) {
	switch c.state {
	case wantHandshake:
		return c.onHandshakeFrame(frame)
	case wantMessage:
		return c.onMessageFrame(frame)
	default:
		// A frame arriving before the prologue is a Framer invariant
		// violation; the Framer itself never emits frames in that state.
		return nil, fmt.Errorf("%w: frame received before prologue", ErrDisconnect)
	}
}

func (c *Codec) onHandshakeFrame(frame []byte) (*Token, error) {
	if err := c.session.ReadHandshake(frame); err != nil {
		c.log.Warn().Err(err).Msg("bad inbound noise handshake")
		return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	// The responder completes the exchange by writing its own message only
	// now that it has the initiator's ephemeral key.
	if c.session.Role() == noisewire.RoleResponder {
		msg, err := c.session.WriteHandshake()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
		}
		if err := c.framer.SendFrame(msg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
		}
	}

	if !c.session.HandshakeComplete() {
		return nil, fmt.Errorf("%w: handshake did not complete after exchange", ErrDisconnect)
	}

	c.state = wantMessage
	return &Token{Kind: TokenHandshake}, nil
}

func (c *Codec) onMessageFrame(frame []byte) (*Token, error) {
	plaintext, err := c.session.Decrypt(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad inbound noise frame")
		return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	rec, err := Decode(plaintext)
	if err != nil {
		c.log.Warn().Err(err).Msg("received unparseable record")
		return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	return &Token{Kind: TokenRecord, Record: rec}, nil
}

// SendRecord encodes, encrypts, and frames a record for transmission.
func (c *Codec) SendRecord(r Record) error {
	ciphertext, err := c.session.Encrypt(Encode(r))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	return c.framer.SendFrame(ciphertext)
}
