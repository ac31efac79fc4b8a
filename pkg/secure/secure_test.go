package secure

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/wire"
)

func newKeyPair(t *testing.T) KeyPair {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob := newKeyPair(t), newKeyPair(t)
	aliceToBob := NewSession(alice, bob.Public)
	bobToAlice := NewSession(bob, alice.Public)

	for _, size := range []int{1, 16, 4096} {
		plain := bytes.Repeat([]byte{0x42}, size)
		sealed, err := aliceToBob.Seal(plain)
		require.NoError(t, err)
		assert.Len(t, sealed, size+Overhead)

		opened, err := bobToAlice.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, opened)
	}
}

func TestFreshNonce(t *testing.T) {
	s := Self(newKeyPair(t))
	first, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	second, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEmptyIsNoop(t *testing.T) {
	s := Self(newKeyPair(t))

	sealed, err := s.Seal(nil)
	assert.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := s.Open([]byte{})
	assert.NoError(t, err)
	assert.Empty(t, opened)
}

func TestOpenFailures(t *testing.T) {
	alice, bob, eve := newKeyPair(t), newKeyPair(t), newKeyPair(t)
	sealed, err := NewSession(alice, bob.Public).Seal([]byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name    string
		session *Session
		data    []byte
		expErr  error
	}{
		{
			name:    "TooShort",
			session: NewSession(bob, alice.Public),
			data:    sealed[:Overhead-1],
			expErr:  ErrTooShort,
		},
		{
			name:    "Tampered",
			session: NewSession(bob, alice.Public),
			data:    tampered,
			expErr:  ErrForged,
		},
		{
			name:    "WrongKey",
			session: NewSession(eve, alice.Public),
			data:    sealed,
			expErr:  ErrForged,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := test.session.Open(test.data)
			assert.Equal(t, test.expErr, err)
			assert.True(t, errors.IsProtocol(err))
		})
	}
}

func TestSelfSession(t *testing.T) {
	owner := newKeyPair(t)
	sealed, err := Self(owner).Seal([]byte("at rest"))
	require.NoError(t, err)

	// A new session from the same identity can still open it.
	opened, err := Self(owner).Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("at rest"), opened)

	_, err = Self(newKeyPair(t)).Open(sealed)
	assert.Equal(t, ErrForged, err)
}

func TestPacketEncryption(t *testing.T) {
	alice, bob := newKeyPair(t), newKeyPair(t)
	p := wire.Packet{Type: wire.FolderStats, Data: []byte("folder hash")}

	encrypted, err := NewSession(alice, bob.Public).EncryptPacket(p)
	require.NoError(t, err)
	assert.Equal(t, p.Type, encrypted.Type)
	assert.NotEqual(t, p.Data, encrypted.Data)

	decrypted, err := NewSession(bob, alice.Public).DecryptPacket(encrypted)
	require.NoError(t, err)
	assert.Equal(t, p, decrypted)
}

func TestKeyString(t *testing.T) {
	kp := newKeyPair(t)
	s := kp.Public.String()
	assert.Len(t, s, 2*KeySize)
	assert.Regexp(t, "^[0-9A-F]+$", s)

	parsed, err := ParseKey(s)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	_, err = ParseKey("ABCD")
	assert.Error(t, err)
	_, err = ParseKey("not hex")
	assert.Error(t, err)
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tbak", "server.dat")

	created, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, contents, 2*KeySize)

	loaded, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = LoadOrCreateIdentity(path)
	assert.Error(t, err)
}
