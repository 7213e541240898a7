package noisewire

import (
	"bytes"
	"fmt"
)

// StubSession is a deterministic, non-cryptographic Session implementation
// for tests: it "encrypts" by prepending a one-byte tag instead of running
// real Noise crypto, so tests can drive the Codec without a real handshake.
// It is not secure and must never be used outside tests.
type StubSession struct {
	role    Role
	tag     byte
	peerTag byte

	wrote bool
	read  bool
}

// NewStubSession creates a stub session. tag is prepended to everything this
// side encrypts; peerTag is required on everything it decrypts, so a pair of
// stub sessions constructed with swapped tag/peerTag values interoperate
// while a mismatched pairing fails the same way a real auth error would.
func NewStubSession(role Role, tag, peerTag byte) *StubSession {
	return &StubSession{role: role, tag: tag, peerTag: peerTag}
}

func (s *StubSession) Role() Role { return s.role }

func (s *StubSession) WriteHandshake() ([]byte, error) {
	s.wrote = true
	return []byte{s.tag, 'h', 's', 'k'}, nil
}

func (s *StubSession) ReadHandshake(msg []byte) error {
	if len(msg) < 1 {
		return fmt.Errorf("%w: empty handshake message", ErrHandshakeFailed)
	}
	s.read = true
	return nil
}

func (s *StubSession) HandshakeComplete() bool {
	return s.wrote && s.read
}

func (s *StubSession) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.HandshakeComplete() {
		return nil, fmt.Errorf("%w: encrypt before handshake complete", ErrHandshakeFailed)
	}
	out := make([]byte, 0, len(plaintext)+1)
	out = append(out, s.tag)
	out = append(out, plaintext...)
	return out, nil
}

func (s *StubSession) Decrypt(ciphertext []byte) ([]byte, error) {
	if !s.HandshakeComplete() {
		return nil, fmt.Errorf("%w: decrypt before handshake complete", ErrHandshakeFailed)
	}
	if len(ciphertext) < 1 || ciphertext[0] != s.peerTag {
		return nil, fmt.Errorf("%w: tag mismatch", ErrAuthFailed)
	}
	return bytes.Clone(ciphertext[1:]), nil
}
