package receive

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// state is Receive's position in its S0/S1/S2/S3 state machine.
type state int

const (
	s0UnknownKey state = iota
	s1UnverifiedKey
	s2VerifiedKey
	s3Scared // terminal
)

// Boss is the collaborator notified of session-level outcomes.
type Boss interface {
	Happy()
	Scared()
	GotMessage(phase string, plaintext []byte)
}

// Send is the collaborator notified once the session key has been verified
// by a correctly-decrypting first message.
type Send interface {
	GotVerifiedKey(key []byte)
}

// Receive is a small, independent state machine verifying and decrypting
// phase messages from the rendezvous mailbox. The first
// successfully decrypting message is the key-verification event.
type Receive struct {
	side string

	mu    sync.Mutex
	state state
	key   []byte

	boss Boss
	send Send

	log zerolog.Logger
}

// New creates a Receive machine in its initial S0_unknown_key state. Wire
// must be called with its collaborators before any key/message events.
func New(side string) *Receive {
	return &Receive{
		side:  side,
		state: s0UnknownKey,
		log:   log.With().Str("component", "receive").Logger(),
	}
}

// Wire installs the Boss and Send collaborators that receive this machine's
// outputs.
func (r *Receive) Wire(boss Boss, send Send) {
	r.boss = boss
	r.send = send
}

// GotKey implements the S0 -> S1 transition: record the session key derived
// upstream (SPAKE2 + outer wormhole key confirmation), entering
// S1_unverified_key.
func (r *Receive) GotKey(key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != s0UnknownKey {
		return
	}
	r.key = append([]byte(nil), key...)
	r.state = s1UnverifiedKey
}

// GotMessage derives the per-phase data key, attempts to decrypt body, and
// drives the S1/S2/S3 transitions accordingly. It is a no-op once the
// machine has reached the terminal S3_scared state.
func (r *Receive) GotMessage(phase string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == s0UnknownKey {
		panic("receive: GotMessage called before GotKey")
	}
	if r.state == s3Scared {
		return
	}

	dataKey, err := DerivePhaseKey(r.key, r.side, phase)
	if err != nil {
		r.gotMessageBadLocked()
		return
	}
	plaintext, err := DecryptData(dataKey, body)
	if err != nil {
		r.gotMessageBadLocked()
		return
	}
	r.gotMessageGoodLocked(phase, plaintext)
}

func (r *Receive) gotMessageGoodLocked(phase string, plaintext []byte) {
	wasUnverified := r.state == s1UnverifiedKey
	r.state = s2VerifiedKey

	if wasUnverified {
		r.send.GotVerifiedKey(r.key)
		r.boss.Happy()
	}
	r.boss.GotMessage(phase, plaintext)
}

func (r *Receive) gotMessageBadLocked() {
	r.state = s3Scared
	r.log.Warn().Msg("phase message failed to decrypt, scared")
	r.boss.Scared()
}
