// Package receive implements the small, independent Receive state machine
// that verifies and decrypts phase messages from the rendezvous mailbox in
// the (non-Dilation) outer wormhole, plus the key-derivation collaborator
// it depends on.
package receive

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrCrypto is returned by DecryptData on authentication failure and by
// DerivePhaseKey/EncryptData on any underlying crypto error.
var ErrCrypto = errors.New("receive: crypto error")

const dataKeySize = chacha20poly1305.KeySize

// DerivePhaseKey derives a per-phase data key from the session key via
// HKDF-SHA256, scoped by side and phase so neither side can replay the
// other's messages across phases.
func DerivePhaseKey(sessionKey []byte, side, phase string) ([]byte, error) {
	info := []byte("wormhole-phase-key:" + side + ":" + phase)
	h := hkdf.New(sha256.New, sessionKey, nil, info)
	key := make([]byte, dataKeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %w", ErrCrypto, err)
	}
	return key, nil
}

// EncryptData seals plaintext under dataKey using XChaCha20-Poly1305 with a
// fresh random nonce, prepended to the ciphertext. The counterpart to
// DecryptData below.
func EncryptData(dataKey, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrCrypto, err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// DecryptData reverses EncryptData. Authentication failure (tampering,
// wrong key, truncated input) returns ErrCrypto; the caller (Receive)
// treats this as a bad message and gets scared.
func DecryptData(dataKey, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCrypto)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	return plaintext, nil
}
