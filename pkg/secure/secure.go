// Package secure implements node identities and the box encryption used for
// packets and stored file payloads.
package secure

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/crypto/nacl/box"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/wire"
)

const (
	// KeySize is the size of public and secret keys.
	KeySize = 32

	// NonceSize is the size of the random nonce prefixed to every ciphertext.
	NonceSize = 24

	// Overhead is the number of bytes that encryption adds to a payload.
	Overhead = NonceSize + box.Overhead
)

var (
	// ErrTooShort is returned when a ciphertext can't even hold the nonce and
	// authentication tag.
	ErrTooShort = errors.NewProtocolError("ciphertext shorter than nonce and tag")

	// ErrForged is returned when a ciphertext fails authentication.
	ErrForged = errors.NewProtocolError("ciphertext failed authentication")
)

// Mocked out for unit testing.
var randReader io.Reader = rand.Reader

// Key is a public or secret key.
type Key [KeySize]byte

// String renders the key as uppercase hex.
func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// ParseKey parses the output of Key.String. Lowercase hex is accepted too.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, errors.WithContext(err, "decode hex")
	}
	if len(b) != KeySize {
		return k, errors.New("key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromBytes copies a raw key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, errors.NewProtocolError("key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyPair is the long lived identity of a node.
type KeyPair struct {
	Public Key
	Secret Key
}

// GenerateKeyPair creates a new random identity.
func GenerateKeyPair() (KeyPair, error) {
	public, secret, err := box.GenerateKey(randReader)
	if err != nil {
		return KeyPair{}, errors.WithContext(err, "generate key")
	}
	return KeyPair{Public: *public, Secret: *secret}, nil
}

// LoadOrCreateIdentity reads the identity stored at `path`, creating it if it
// doesn't exist yet. The file holds the secret key followed by the public
// key.
func LoadOrCreateIdentity(path string) (KeyPair, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != 2*KeySize {
			return KeyPair{}, errors.NewFriendlyError(
				"The identity file %q is corrupt. Expected %d bytes, but it has %d.",
				path, 2*KeySize, len(b))
		}

		var kp KeyPair
		copy(kp.Secret[:], b[:KeySize])
		copy(kp.Public[:], b[KeySize:])
		return kp, nil
	case !os.IsNotExist(err):
		return KeyPair{}, errors.WithContext(err, "read")
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return KeyPair{}, errors.WithContext(err, "make parent")
	}

	contents := append(append([]byte{}, kp.Secret[:]...), kp.Public[:]...)
	if err := renameio.WriteFile(path, contents, 0600); err != nil {
		return KeyPair{}, errors.WithContext(err, "write")
	}
	return kp, nil
}

// Session encrypts traffic between the local node and one peer. The shared
// key is computed once when the session is created.
type Session struct {
	shared [KeySize]byte
}

// NewSession creates a session between `local` and the peer that owns
// `remote`.
func NewSession(local KeyPair, remote Key) *Session {
	s := &Session{}
	box.Precompute(&s.shared, (*[KeySize]byte)(&remote), (*[KeySize]byte)(&local.Secret))
	return s
}

// Self creates a session with the node's own public key. Data it seals can
// only be opened by the same node, which is what lets stored files stay
// encrypted at rest on the peers that hold them.
func Self(local KeyPair) *Session {
	return NewSession(local, local.Public)
}

// Seal encrypts `data` with a fresh random nonce, which is prefixed to the
// result. Empty input is returned unchanged.
func (s *Session) Seal(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return nil, errors.WithContext(err, "generate nonce")
	}

	out := make([]byte, NonceSize, NonceSize+len(data)+box.Overhead)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, data, &nonce, &s.shared), nil
}

// Open decrypts data created by Seal. Empty input is returned unchanged.
func (s *Session) Open(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < Overhead {
		return nil, ErrTooShort
	}

	var nonce [NonceSize]byte
	copy(nonce[:], data[:NonceSize])
	plain, ok := box.OpenAfterPrecomputation(nil, data[NonceSize:], &nonce, &s.shared)
	if !ok {
		return nil, ErrForged
	}
	return plain, nil
}

// EncryptPacket returns a copy of `p` with its payload sealed.
func (s *Session) EncryptPacket(p wire.Packet) (wire.Packet, error) {
	data, err := s.Seal(p.Data)
	if err != nil {
		return wire.Packet{}, err
	}
	return wire.Packet{Type: p.Type, Data: data}, nil
}

// DecryptPacket returns a copy of `p` with its payload opened.
func (s *Session) DecryptPacket(p wire.Packet) (wire.Packet, error) {
	data, err := s.Open(p.Data)
	if err != nil {
		return wire.Packet{}, errors.WithContext(err, "decrypt "+p.Type.String())
	}
	return wire.Packet{Type: p.Type, Data: data}, nil
}
