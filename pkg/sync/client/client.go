package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/tbak/pkg/compression"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/sync/transfer"
	"github.com/sidkik/tbak/pkg/wire"
)

// DialTimeout bounds how long connecting to a node may take.
var DialTimeout = 10 * time.Second

// Client is an authenticated connection to a node that stores archives for
// this machine.
type Client interface {
	FolderCreate(folder pathhash.Hash) error
	FolderStats(folder pathhash.Hash) (uint64, error)
	FolderList(folder pathhash.Hash) ([]sync.FileTime, error)
	DownloadMetadata(folder, file pathhash.Hash) (store.Metadata, uint64, error)
	Download(folder, file pathhash.Hash) (mtime uint64, meta store.Metadata, content []byte, err error)
	Worker(folder pathhash.Hash, opts transfer.Options, log logrus.FieldLogger) Worker
	Close() error
}

// Worker transfers batches of files for a single folder. It's implemented by
// transfer.Worker.
type Worker interface {
	Upload(ctx context.Context, src transfer.Source, files []sync.FileTime) (transfer.Report, error)
	Delete(ctx context.Context, files []sync.FileTime) (transfer.Report, error)
	Download(ctx context.Context, sink transfer.Sink, files []sync.FileTime) (transfer.Report, error)
}

type client struct {
	conn    *wire.Conn
	session *secure.Session
	owner   *secure.Session
	stop    func() bool
}

// FetchPublicKey asks the node at `address` for its public key. The
// connection isn't authenticated, so the caller should confirm the key out
// of band before trusting it.
func FetchPublicKey(address string) (secure.Key, error) {
	conn, err := wire.Dial(address, DialTimeout)
	if err != nil {
		return secure.Key{}, err
	}
	defer conn.Close()

	reply, err := conn.Request(wire.Packet{Type: wire.GetPk})
	if err != nil {
		return secure.Key{}, errors.WithContext(err, "request public key")
	}
	if reply.Type != wire.GetPk {
		return secure.Key{}, errors.NewProtocolError("expected GetPk reply, got %s", reply.Type)
	}
	return secure.KeyFromBytes(reply.Data)
}

// New connects to the node at `address` and authenticates as `identity`.
// `nodeKey` is the node's public key. The connection is interrupted once the
// context is cancelled.
func New(ctx context.Context, address string, identity secure.KeyPair, nodeKey secure.Key) (Client, error) {
	conn, err := wire.Dial(address, DialTimeout)
	if err != nil {
		return nil, err
	}

	reply, err := conn.Request(wire.Packet{Type: wire.Auth, Data: identity.Public[:]})
	if err != nil {
		conn.Close()
		return nil, errors.WithContext(err, "auth")
	}
	if reply.Type != wire.Auth {
		conn.Close()
		return nil, errors.NewFriendlyError("%s refused to authenticate us. "+
			"Make sure this machine's public key (%s) was added to its node list.",
			address, identity.Public)
	}

	return &client{
		conn:    conn,
		session: secure.NewSession(identity, nodeKey),
		owner:   secure.Self(identity),
		stop:    context.AfterFunc(ctx, conn.Interrupt),
	}, nil
}

func (c *client) request(typ wire.Type, payload []byte) ([]byte, error) {
	req, err := c.session.EncryptPacket(wire.Packet{Type: typ, Data: payload})
	if err != nil {
		return nil, err
	}

	reply, err := c.conn.Request(req)
	if err != nil {
		return nil, errors.WithContext(err, typ.String())
	}

	switch reply.Type {
	case typ:
	case wire.Abort:
		return nil, errors.NewProtocolError("node aborted %s", typ)
	default:
		return nil, errors.NewProtocolError("expected %s reply, got %s", typ, reply.Type)
	}

	reply, err = c.session.DecryptPacket(reply)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func fileRequest(folder, file pathhash.Hash) []byte {
	return wire.NewWriter(2 * pathhash.Size).Raw(folder.Bytes()).Raw(file.Bytes()).Bytes()
}

// FolderCreate makes the node start storing an archive for `folder`.
func (c *client) FolderCreate(folder pathhash.Hash) error {
	_, err := c.request(wire.FolderCreate, folder.Bytes())
	return err
}

// FolderStats returns the number of bytes the node stores for `folder`.
func (c *client) FolderStats(folder pathhash.Hash) (uint64, error) {
	data, err := c.request(wire.FolderStats, folder.Bytes())
	if err != nil {
		return 0, err
	}
	return wire.NewReader(data).Uint64()
}

// FolderList returns the files the node stores for `folder`, sorted by hash.
func (c *client) FolderList(folder pathhash.Hash) ([]sync.FileTime, error) {
	data, err := c.request(wire.FolderList, folder.Bytes())
	if err != nil {
		return nil, err
	}

	data, err = compression.Inflate(data)
	if err != nil {
		return nil, errors.WithContext(err, "inflate file list")
	}

	fts, err := sync.DecodeFileTimes(data)
	if err != nil {
		return nil, err
	}
	if !sync.IsSorted(fts) {
		sync.SortFileTimes(fts)
	}
	return fts, nil
}

// DownloadMetadata fetches only the metadata of a stored file, along with
// the size of the stored object.
func (c *client) DownloadMetadata(folder, file pathhash.Hash) (store.Metadata, uint64, error) {
	data, err := c.request(wire.DownloadArchiveMetadata, fileRequest(folder, file))
	if err != nil {
		return store.Metadata{}, 0, err
	}
	if len(data) < 8 {
		return store.Metadata{}, 0, errors.NewProtocolError("metadata reply is too short")
	}

	encMeta := data[:len(data)-8]
	actualSize, _ := wire.NewReader(data[len(data)-8:]).Uint64()

	raw, err := store.OpenMetadata(c.owner, encMeta)
	if err != nil {
		return store.Metadata{}, 0, err
	}
	meta, err := store.UnmarshalMetadata(raw)
	if err != nil {
		return store.Metadata{}, 0, err
	}
	return meta, actualSize, nil
}

// Download fetches and decrypts a single stored file.
func (c *client) Download(folder, file pathhash.Hash) (uint64, store.Metadata, []byte, error) {
	data, err := c.request(wire.DownloadArchive, fileRequest(folder, file))
	if err != nil {
		return 0, store.Metadata{}, nil, err
	}

	r := wire.NewReader(data)
	mtime, err := r.Uint64()
	if err != nil {
		return 0, store.Metadata{}, nil, errors.WithContext(err, "parse mtime")
	}

	raw, content, err := store.DecodeObject(c.owner, r.Rest())
	if err != nil {
		return 0, store.Metadata{}, nil, err
	}
	meta, err := store.UnmarshalMetadata(raw)
	if err != nil {
		return 0, store.Metadata{}, nil, err
	}
	return mtime, meta, content, nil
}

// Worker returns a Worker that transfers files of `folder` over this
// connection. The client must not be used for anything else while the
// worker is running.
func (c *client) Worker(folder pathhash.Hash, opts transfer.Options, log logrus.FieldLogger) Worker {
	return transfer.NewWorker(c.conn, c.session, c.owner, folder, opts, log)
}

func (c *client) Close() error {
	c.stop()
	return c.conn.Close()
}
