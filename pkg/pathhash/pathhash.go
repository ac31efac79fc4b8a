// Package pathhash implements the 18 byte identity key used for folders and
// files. The key of a path is its unkeyed BLAKE2b digest, so two peers always
// agree on it without exchanging anything.
package pathhash

import (
	"bytes"
	"fmt"
	"sort"

	cristalbase64 "github.com/cristalhq/base64"
	"golang.org/x/crypto/blake2b"

	"github.com/sidkik/tbak/pkg/errors"
)

// Size is the length of a Hash in bytes.
const Size = 18

// EncodedLen is the length of the base64 rendering of a Hash.
const EncodedLen = 24

// Hash is the identity key of a path. The zero value is a valid (if
// meaningless) hash, and Hashes can be compared with ==.
type Hash [Size]byte

// Of hashes the given string.
func Of(s string) Hash {
	// blake2b.New only fails for invalid sizes or oversized keys.
	hasher, err := blake2b.New(Size, nil)
	if err != nil {
		panic(err)
	}
	hasher.Write([]byte(s))

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// FromBytes copies a raw serialized hash. It does not hash its input.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, errors.New("hash must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseBase64 parses the output of Hash.Base64.
func ParseBase64(s string) (Hash, error) {
	b, err := cristalbase64.URLEncoding.DecodeString(s)
	if err != nil {
		return Hash{}, errors.WithContext(err, "decode base64")
	}
	return FromBytes(b)
}

// Bytes returns the 18 byte serialization of the hash.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Base64 renders the hash with the URL-safe alphabet, so that it can be used
// as a file name.
func (h Hash) Base64() string {
	return cristalbase64.URLEncoding.EncodeToString(h[:])
}

// Split returns the directory and file name that the hash is stored under.
func (h Hash) Split() (dir, file string) {
	b64 := h.Base64()
	return b64[:2], b64[2:]
}

func (h Hash) String() string {
	return h.Base64()
}

// GoString makes test failures readable.
func (h Hash) GoString() string {
	return fmt.Sprintf("pathhash.Hash(%q)", h.Base64())
}

// Compare orders hashes lexicographically by their raw bytes.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return h.Compare(other) < 0
}

// Sort sorts the hashes in ascending order.
func Sort(hashes []Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Less(hashes[j])
	})
}
