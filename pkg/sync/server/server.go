package server

import (
	"context"
	"net"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/tbak/pkg/compression"
	"github.com/sidkik/tbak/pkg/db"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/metrics"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/wire"
)

// Folders is the set of archives the server stores.
type Folders interface {
	Archive(hash pathhash.Hash) (*store.Archive, bool)
	AddArchive(hash pathhash.Hash) (*store.Archive, error)
	Save() error
}

// Nodes decides which peers may use the server.
type Nodes interface {
	Authorized(pk secure.Key) (db.Node, bool)
}

// Server stores archives on behalf of authorized peers.
type Server struct {
	identity secure.KeyPair
	folders  Folders
	nodes    Nodes
	log      logrus.FieldLogger
}

// New creates a Server that authenticates as `identity`.
func New(identity secure.KeyPair, folders Folders, nodes Nodes, log logrus.FieldLogger) *Server {
	return &Server{
		identity: identity,
		folders:  folders,
		nodes:    nodes,
		log:      log,
	}
}

// ListenAndServe listens on `address` and serves clients until the context
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	s.log.WithField("address", lis.Addr().String()).Info("tbak server is ready")
	return s.Serve(ctx, lis)
}

// Serve accepts clients from `lis` one at a time. Each client is handled
// until it disconnects before the next one is accepted. It returns nil once
// the context is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	defer lis.Close()

	for {
		c, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithContext(err, "accept")
		}

		metrics.RecordConnection()
		s.handleClient(ctx, c)
	}
}

// client is the state of a single connection.
type client struct {
	*Server
	conn *wire.Conn
	log  logrus.FieldLogger

	// session is nil until the client authenticates.
	session *secure.Session
}

func (s *Server) handleClient(ctx context.Context, c net.Conn) {
	cl := &client{
		Server: s,
		conn:   wire.NewConn(c),
		log:    s.log.WithField("client", c.RemoteAddr().String()),
	}
	defer cl.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			cl.log.WithField("panic", r).Error("Recovered while handling client")
		}
	}()

	stop := context.AfterFunc(ctx, cl.conn.Interrupt)
	defer stop()

	cl.log.Debug("Client connected")
	defer func() {
		if err := s.folders.Save(); err != nil {
			cl.log.WithError(err).Error("Failed to save folders")
		}
	}()

	for {
		req, err := cl.conn.ReadPacket()
		if err != nil {
			if errors.Is(err, wire.ErrConnClosed) || ctx.Err() != nil {
				cl.log.Debug("Client disconnected")
			} else {
				cl.log.WithError(err).Warn("Failed to read packet")
			}
			return
		}

		start := time.Now()
		if err := cl.handle(req); err != nil {
			cl.log.WithError(err).WithField("type", req.Type.String()).
				Warn("Aborting client")
			metrics.RecordAbort(req.Type.String())
			_ = cl.conn.WritePacket(wire.Packet{Type: wire.Abort})
			return
		}
		metrics.RecordPacket(req.Type.String(), time.Since(start))
	}
}

// handler serves one authenticated packet type. `size` is the exact payload
// size the handler accepts, or the minimum size if `variable` is set.
type handler struct {
	size     int
	variable bool
	serve    func(cl *client, data []byte) ([]byte, error)
}

var handlers = map[wire.Type]handler{
	wire.FolderCreate:            {size: pathhash.Size, serve: (*client).folderCreate},
	wire.FolderStats:             {size: pathhash.Size, serve: (*client).folderStats},
	wire.FolderList:              {size: pathhash.Size, serve: (*client).folderList},
	wire.DownloadArchive:         {size: 2 * pathhash.Size, serve: (*client).downloadArchive},
	wire.DownloadArchiveMetadata: {size: 2 * pathhash.Size, serve: (*client).downloadArchiveMetadata},
	wire.UploadArchive:           {size: 2*pathhash.Size + 8, variable: true, serve: (*client).uploadArchive},
	wire.DeleteArchive:           {size: 2 * pathhash.Size, serve: (*client).deleteArchive},
}

// handle serves a single request. Any error aborts the connection.
func (cl *client) handle(req wire.Packet) error {
	switch req.Type {
	case wire.GetPk:
		cl.log.Debug("Public key requested")
		return cl.conn.WritePacket(wire.Packet{Type: wire.GetPk, Data: cl.identity.Public[:]})
	case wire.Auth:
		return cl.auth(req.Data)
	}

	h, ok := handlers[req.Type]
	if !ok {
		return errors.NewProtocolError("unexpected packet %s", req.Type)
	}
	if cl.session == nil {
		return errors.NewProtocolError("%s before authentication", req.Type)
	}

	req, err := cl.session.DecryptPacket(req)
	if err != nil {
		return err
	}

	if err := checkSize(h, len(req.Data)); err != nil {
		return errors.WithContext(err, req.Type.String())
	}

	data, err := h.serve(cl, req.Data)
	if err != nil {
		return errors.WithContext(err, req.Type.String())
	}

	reply, err := cl.session.EncryptPacket(wire.Packet{Type: req.Type, Data: data})
	if err != nil {
		return err
	}
	return cl.conn.WritePacket(reply)
}

func checkSize(h handler, size int) error {
	switch {
	case h.variable && size < h.size:
		return errors.NewProtocolError("payload is %d bytes, want at least %d", size, h.size)
	case !h.variable && size != h.size:
		return errors.NewProtocolError("payload is %d bytes, want %d", size, h.size)
	}
	return nil
}

func (cl *client) auth(data []byte) error {
	pk, err := secure.KeyFromBytes(data)
	if err != nil {
		metrics.RecordAuth(false)
		return errors.NewProtocolError("malformed public key")
	}

	node, ok := cl.nodes.Authorized(pk)
	metrics.RecordAuth(ok)
	if !ok {
		return errors.NewProtocolError("unknown public key %s", pk)
	}

	cl.session = secure.NewSession(cl.identity, pk)
	cl.log = cl.log.WithField("node", node.URI)
	cl.log.Info("Auth successful")
	return cl.conn.WritePacket(wire.Packet{Type: wire.Auth})
}

// parseHashes splits a payload into its leading folder and file hashes.
func parseHashes(data []byte) (folder, file pathhash.Hash) {
	copy(folder[:], data[:pathhash.Size])
	copy(file[:], data[pathhash.Size:2*pathhash.Size])
	return folder, file
}

func (cl *client) archive(hash pathhash.Hash) (*store.Archive, error) {
	archive, ok := cl.folders.Archive(hash)
	if !ok {
		return nil, errors.WithContext(errors.ErrNotFound, "folder "+hash.Base64())
	}
	return archive, nil
}

func (cl *client) folderCreate(data []byte) ([]byte, error) {
	hash, _ := pathhash.FromBytes(data)
	cl.log.WithField("folder", hash.Base64()).Info("Folder creation requested")
	if _, err := cl.folders.AddArchive(hash); err != nil {
		return nil, err
	}
	return nil, nil
}

func (cl *client) folderStats(data []byte) ([]byte, error) {
	hash, _ := pathhash.FromBytes(data)
	archive, err := cl.archive(hash)
	if err != nil {
		return nil, err
	}
	cl.log.WithField("folder", hash.Base64()).Debug("Folder stats requested")
	return wire.NewWriter(8).Uint64(archive.ActualSize()).Bytes(), nil
}

func (cl *client) folderList(data []byte) ([]byte, error) {
	hash, _ := pathhash.FromBytes(data)
	archive, err := cl.archive(hash)
	if err != nil {
		return nil, err
	}
	cl.log.WithField("folder", hash.Base64()).Debug("Folder time list requested")
	return compression.Deflate(sync.EncodeFileTimes(archive.FileTimes()))
}

func (cl *client) downloadArchive(data []byte) ([]byte, error) {
	folder, file := parseHashes(data)
	archive, err := cl.archive(folder)
	if err != nil {
		return nil, err
	}

	record, object, err := archive.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cl.log.WithFields(logrus.Fields{
		"folder": folder.Base64(),
		"file":   file.Base64(),
		"size":   units.HumanSize(float64(len(object))),
	}).Debug("Download request")
	metrics.RecordServed(len(object))
	return wire.NewWriter(8 + len(object)).Uint64(record.Mtime).Raw(object).Bytes(), nil
}

func (cl *client) downloadArchiveMetadata(data []byte) ([]byte, error) {
	folder, file := parseHashes(data)
	archive, err := cl.archive(folder)
	if err != nil {
		return nil, err
	}

	record, meta, err := archive.ReadMetadata(file)
	if err != nil {
		return nil, err
	}

	cl.log.WithFields(logrus.Fields{
		"folder": folder.Base64(),
		"file":   file.Base64(),
	}).Debug("Metadata download request")
	return wire.NewWriter(len(meta) + 8).Raw(meta).Uint64(record.ActualSize).Bytes(), nil
}

func (cl *client) uploadArchive(data []byte) ([]byte, error) {
	folder, file := parseHashes(data)
	archive, err := cl.archive(folder)
	if err != nil {
		return nil, err
	}

	r := wire.NewReader(data[2*pathhash.Size:])
	mtime, _ := r.Uint64()
	object := r.Rest()

	cl.log.WithFields(logrus.Fields{
		"folder": folder.Base64(),
		"file":   file.Base64(),
		"size":   units.HumanSize(float64(len(object))),
	}).Debug("Upload request")
	if err := archive.WriteFile(file, mtime, object); err != nil {
		return nil, err
	}
	metrics.RecordStored(len(object))
	return nil, nil
}

func (cl *client) deleteArchive(data []byte) ([]byte, error) {
	folder, file := parseHashes(data)
	archive, err := cl.archive(folder)
	if err != nil {
		return nil, err
	}

	if err := archive.RemoveFile(file); err != nil {
		return nil, err
	}
	cl.log.WithFields(logrus.Fields{
		"folder": folder.Base64(),
		"file":   file.Base64(),
	}).Debug("Removal request")
	return nil, nil
}
