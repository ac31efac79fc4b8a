// Package wire implements the tbak packet protocol.
//
// A packet is a type byte, followed by the payload length as a vuint, followed
// by the payload. A vuint is the little-endian base-128 encoding used by
// protobuf varints: seven bits per byte, with the high bit set on every byte
// but the last. The same vuint is used for every variable length size in the
// format.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sidkik/tbak/pkg/errors"
)

// Type identifies the request or reply carried by a packet.
type Type byte

// The packet types. Their values are part of the wire format.
const (
	// Abort tells the peer that the connection is being dropped.
	Abort Type = iota
	// GetPk asks the server for its public key.
	GetPk
	// Auth announces the client's public key.
	Auth

	FolderCreate
	FolderStats
	FolderList
	DownloadArchive
	DownloadArchiveMetadata
	UploadArchive
	DeleteArchive
)

var typeNames = map[Type]string{
	Abort:                   "Abort",
	GetPk:                   "GetPk",
	Auth:                    "Auth",
	FolderCreate:            "FolderCreate",
	FolderStats:             "FolderStats",
	FolderList:              "FolderList",
	DownloadArchive:         "DownloadArchive",
	DownloadArchiveMetadata: "DownloadArchiveMetadata",
	UploadArchive:           "UploadArchive",
	DeleteArchive:           "DeleteArchive",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", byte(t))
}

// Valid returns whether the type is a known packet type.
func (t Type) Valid() bool {
	return t <= DeleteArchive
}

// Authenticated returns whether the packet type may only be sent after the
// client has authenticated. Authenticated packets have encrypted payloads.
func (t Type) Authenticated() bool {
	return t > Auth && t.Valid()
}

// MaxPayload is the largest payload we're willing to read. Anything larger is
// treated as a protocol error rather than an allocation.
const MaxPayload = 1 << 30

// maxVuintLen is the longest vuint that fits in a uint64.
const maxVuintLen = binary.MaxVarintLen64

// ErrShortBuffer is returned when decoding runs out of input.
var ErrShortBuffer = errors.New("unexpected end of data")

// Packet is a single protocol message.
type Packet struct {
	Type Type
	Data []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("%s(%d bytes)", p.Type, len(p.Data))
}

// Encode serializes the packet.
func (p Packet) Encode() []byte {
	buf := make([]byte, 0, 1+maxVuintLen+len(p.Data))
	buf = append(buf, byte(p.Type))
	buf = AppendVuint(buf, uint64(len(p.Data)))
	return append(buf, p.Data...)
}

// Decode parses the first packet in `buf`, and returns the remaining bytes.
// It returns ErrShortBuffer if `buf` doesn't contain a complete packet.
func Decode(buf []byte) (Packet, []byte, error) {
	if len(buf) == 0 {
		return Packet{}, buf, ErrShortBuffer
	}

	length, n, err := DecodeVuint(buf[1:])
	if err != nil {
		return Packet{}, buf, err
	}
	if length > MaxPayload {
		return Packet{}, buf, errors.NewProtocolError("payload of %d bytes is too large", length)
	}

	start := 1 + n
	end := start + int(length)
	if len(buf) < end {
		return Packet{}, buf, ErrShortBuffer
	}

	data := make([]byte, length)
	copy(data, buf[start:end])
	return Packet{Type: Type(buf[0]), Data: data}, buf[end:], nil
}

// AppendVuint appends the vuint encoding of `v`.
func AppendVuint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// DecodeVuint decodes a vuint from the start of `buf`, and returns the number
// of bytes consumed.
func DecodeVuint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	switch {
	case n == 0:
		return 0, 0, ErrShortBuffer
	case n < 0:
		return 0, 0, errors.NewProtocolError("vuint overflows 64 bits")
	}
	return v, n, nil
}

// VuintLen returns the number of bytes needed to encode `v`.
func VuintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
