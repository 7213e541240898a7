// Package noisewire defines the minimal Noise Protocol capability surface
// the record codec depends on, and provides the real implementation on top
// of github.com/flynn/noise.
package noisewire

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// ErrHandshakeFailed wraps any Noise handshake-stage failure: malformed
// handshake message, wrong pattern step, or a PSK mismatch.
var ErrHandshakeFailed = errors.New("noise handshake failed")

// ErrAuthFailed wraps ciphertext authentication failures during Decrypt.
// This is a terminal error for the owning connection.
var ErrAuthFailed = errors.New("noise record authentication failed")

// Role mirrors the Leader/Follower asymmetry at the Noise layer: the Leader
// is the handshake initiator. github.com/flynn/noise's HandshakeState
// requires the initiator to write message 1 before the responder can write
// message 2, so Role also governs who writes first in the Codec above.
type Role int

const (
	RoleInitiator Role = iota // Leader
	RoleResponder             // Follower
)

// cipherSuite fixes DH25519 / ChaChaPoly / SHA256 for every session: X25519
// ECDH, ChaCha20-Poly1305 AEAD, SHA-256 for the handshake transcript hash and
// (shared with receive.DerivePhaseKey) HKDF.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Session is the capability surface the record codec drives: one
// handshake-message write, one handshake-message read, then repeated
// encrypt/decrypt of records once the handshake completes.
type Session interface {
	// Role reports whether this session is the handshake initiator.
	Role() Role
	// WriteHandshake produces this side's single handshake message. It may
	// only be called once, and only by the initiator before it has read the
	// peer's message, or by the responder after it has.
	WriteHandshake() ([]byte, error)
	// ReadHandshake consumes the peer's handshake message. Once both sides
	// have exchanged exactly one message each, the handshake is complete and
	// Encrypt/Decrypt become usable.
	ReadHandshake(msg []byte) error
	// HandshakeComplete reports whether both writes/reads for the two-message
	// exchange have occurred.
	HandshakeComplete() bool
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// session implements Session on top of flynn/noise's HandshakeState with the
// NN pattern and a placement-0 PSK, i.e. "NNpsk0": the session key
// established by the outer wormhole's rendezvous/SPAKE2 exchange is mixed in
// as the preshared key, so completing the handshake proves possession of it
// without either side needing a static keypair.
type session struct {
	role Role
	hs   *noise.HandshakeState

	wrote bool
	read  bool

	encryptor *noise.CipherState
	decryptor *noise.CipherState
}

// NewSession creates a Noise session bound to the given shared session key
// (the PSK) and prologue. Prologue mismatches between the two sides cause
// the handshake to fail (ErrHandshakeFailed) rather than silently diverge.
func NewSession(role Role, sessionKey, prologue []byte) (Session, error) {
	if len(sessionKey) != 32 {
		return nil, fmt.Errorf("%w: session key must be 32 bytes, got %d", ErrHandshakeFailed, len(sessionKey))
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           cipherSuite,
		Pattern:               noise.HandshakeNN,
		Initiator:             role == RoleInitiator,
		Prologue:              prologue,
		PresharedKey:          sessionKey,
		PresharedKeyPlacement: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return &session{role: role, hs: hs}, nil
}

func (s *session) Role() Role { return s.role }

func (s *session) WriteHandshake() ([]byte, error) {
	msg, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write: %w", ErrHandshakeFailed, err)
	}
	s.wrote = true
	s.maybeComplete(cs1, cs2)
	return msg, nil
}

func (s *session) ReadHandshake(msg []byte) error {
	_, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("%w: read: %w", ErrHandshakeFailed, err)
	}
	s.read = true
	s.maybeComplete(cs1, cs2)
	return nil
}

func (s *session) maybeComplete(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	// cs1 = initiator->responder, cs2 = responder->initiator.
	if s.role == RoleInitiator {
		s.encryptor, s.decryptor = cs1, cs2
	} else {
		s.encryptor, s.decryptor = cs2, cs1
	}
}

func (s *session) HandshakeComplete() bool {
	return s.wrote && s.read && s.encryptor != nil && s.decryptor != nil
}

func (s *session) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.HandshakeComplete() {
		return nil, fmt.Errorf("%w: encrypt before handshake complete", ErrHandshakeFailed)
	}
	return s.encryptor.Encrypt(nil, nil, plaintext)
}

func (s *session) Decrypt(ciphertext []byte) ([]byte, error) {
	if !s.HandshakeComplete() {
		return nil, fmt.Errorf("%w: decrypt before handshake complete", ErrHandshakeFailed)
	}
	pt, err := s.decryptor.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return pt, nil
}
