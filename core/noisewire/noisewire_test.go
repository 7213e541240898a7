package noisewire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshakePair(t *testing.T) (Session, Session) {
	t.Helper()
	key := bytes.Repeat([]byte{0x07}, 32)
	prologue := []byte("dilation/l2/1")

	initiator, err := NewSession(RoleInitiator, key, prologue)
	require.NoError(t, err)
	responder, err := NewSession(RoleResponder, key, prologue)
	require.NoError(t, err)

	msg1, err := initiator.WriteHandshake()
	require.NoError(t, err)
	require.NoError(t, responder.ReadHandshake(msg1))

	msg2, err := responder.WriteHandshake()
	require.NoError(t, err)
	require.NoError(t, initiator.ReadHandshake(msg2))

	require.True(t, initiator.HandshakeComplete())
	require.True(t, responder.HandshakeComplete())
	return initiator, responder
}

func TestHandshakeAndRecordRoundTrip(t *testing.T) {
	initiator, responder := handshakePair(t)

	ct, err := initiator.Encrypt([]byte("hello from initiator"))
	require.NoError(t, err)
	pt, err := responder.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello from initiator", string(pt))

	ct2, err := responder.Encrypt([]byte("hello back"))
	require.NoError(t, err)
	pt2, err := initiator.Decrypt(ct2)
	require.NoError(t, err)
	assert.Equal(t, "hello back", string(pt2))
}

func TestMismatchedPSKFailsHandshakeOrAuth(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x01}, 32)
	key2 := bytes.Repeat([]byte{0x02}, 32)
	prologue := []byte("dilation/l2/1")

	initiator, err := NewSession(RoleInitiator, key1, prologue)
	require.NoError(t, err)
	responder, err := NewSession(RoleResponder, key2, prologue)
	require.NoError(t, err)

	msg1, err := initiator.WriteHandshake()
	require.NoError(t, err)
	err = responder.ReadHandshake(msg1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
}

func TestDecryptBeforeHandshakeFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	s, err := NewSession(RoleInitiator, key, nil)
	require.NoError(t, err)
	_, err = s.Decrypt([]byte("anything"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
}

func TestStubSessionRoundTrip(t *testing.T) {
	a := NewStubSession(RoleInitiator, 0xAA, 0xBB)
	b := NewStubSession(RoleResponder, 0xBB, 0xAA)

	msg1, err := a.WriteHandshake()
	require.NoError(t, err)
	require.NoError(t, b.ReadHandshake(msg1))
	msg2, err := b.WriteHandshake()
	require.NoError(t, err)
	require.NoError(t, a.ReadHandshake(msg2))

	ct, err := a.Encrypt([]byte("ping"))
	require.NoError(t, err)
	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(pt))
}

func TestStubSessionTagMismatchFails(t *testing.T) {
	a := NewStubSession(RoleInitiator, 0xAA, 0xBB)
	wrong := NewStubSession(RoleResponder, 0xCC, 0xCC)

	msg1, err := a.WriteHandshake()
	require.NoError(t, err)
	require.NoError(t, wrong.ReadHandshake(msg1))
	msg2, err := wrong.WriteHandshake()
	require.NoError(t, err)
	require.NoError(t, a.ReadHandshake(msg2))

	ct, err := a.Encrypt([]byte("ping"))
	require.NoError(t, err)
	_, err = wrong.Decrypt(ct)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}
