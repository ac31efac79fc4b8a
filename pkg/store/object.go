package store

import (
	"github.com/sidkik/tbak/pkg/compression"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/wire"
)

// An object is what an archive stores for one file:
//
//	vuint(len(meta)) | meta | content
//
// where both meta and content are deflated and then sealed by the owner of
// the source, so the peer holding the object can't read either. Keeping the
// metadata separate lets a peer return it without touching the content.

// EncodeObject compresses and encrypts `meta` and `content` with `owner`.
func EncodeObject(owner *secure.Session, meta, content []byte) ([]byte, error) {
	encMeta, err := seal(owner, meta)
	if err != nil {
		return nil, errors.WithContext(err, "metadata")
	}

	encContent, err := seal(owner, content)
	if err != nil {
		return nil, errors.WithContext(err, "content")
	}

	w := wire.NewWriter(wire.VuintLen(uint64(len(encMeta))) + len(encMeta) + len(encContent))
	return w.Blob(encMeta).Raw(encContent).Bytes(), nil
}

// DecodeObject reverses EncodeObject.
func DecodeObject(owner *secure.Session, object []byte) (meta, content []byte, err error) {
	r := wire.NewReader(object)
	encMeta, err := r.Blob()
	if err != nil {
		return nil, nil, errors.WithContext(err, "split object")
	}

	meta, err = OpenMetadata(owner, encMeta)
	if err != nil {
		return nil, nil, err
	}

	content, err = open(owner, r.Rest())
	if err != nil {
		return nil, nil, errors.WithContext(err, "content")
	}
	return meta, content, nil
}

// OpenMetadata decrypts metadata returned by a metadata-only download.
func OpenMetadata(owner *secure.Session, encMeta []byte) ([]byte, error) {
	meta, err := open(owner, encMeta)
	if err != nil {
		return nil, errors.WithContext(err, "metadata")
	}
	return meta, nil
}

func seal(owner *secure.Session, data []byte) ([]byte, error) {
	compressed, err := compression.Deflate(data)
	if err != nil {
		return nil, errors.WithContext(err, "deflate")
	}
	return owner.Seal(compressed)
}

func open(owner *secure.Session, data []byte) ([]byte, error) {
	compressed, err := owner.Open(data)
	if err != nil {
		return nil, err
	}
	return compression.Inflate(compressed)
}
