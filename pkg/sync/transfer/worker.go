// Package transfer moves files between a source and an archive on a peer.
//
// A Worker pipelines requests over a single connection. Requests are sent
// without waiting for the previous reply, up to a bounded number in flight.
// Replies arrive in the order their requests were sent, so each one is
// matched to the oldest outstanding request.
//
// Uploads additionally run a producer goroutine that compresses and encrypts
// files ahead of the network. Prepared uploads wait in a queue that is bounded
// both by count and by total size.
package transfer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/wire"
)

// State is the progress of a single Item.
type State int

const (
	Pending State = iota
	Prepared
	Sent
	Acknowledged
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Prepared:
		return "prepared"
	case Sent:
		return "sent"
	case Acknowledged:
		return "acknowledged"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Item is one file in a batch.
type Item struct {
	sync.FileTime
	State State
	Err   error
}

// Report describes the outcome of a batch.
type Report struct {
	Items []Item

	// MaxInFlight is the largest number of requests that were ever waiting
	// on a reply at the same time.
	MaxInFlight int
}

func newReport(fts []sync.FileTime) *Report {
	items := make([]Item, len(fts))
	for i, ft := range fts {
		items[i] = Item{FileTime: ft}
	}
	return &Report{Items: items}
}

// Count returns the number of items in the given state.
func (r Report) Count(state State) int {
	var n int
	for _, item := range r.Items {
		if item.State == state {
			n++
		}
	}
	return n
}

// Options controls how much work a Worker does ahead of the network.
type Options struct {
	// MaxInFlight is the most requests that are sent without a reply.
	MaxInFlight int

	// MaxPrepared is the most uploads that are prepared but not yet sent.
	MaxPrepared int

	// MaxPreparedBytes bounds the total size of prepared uploads.
	MaxPreparedBytes int64

	// ContinueOnError makes a batch carry on when a single item fails. When
	// it's false, the batch stops at the first failure.
	ContinueOnError bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxInFlight:      5,
		MaxPrepared:      25,
		MaxPreparedBytes: 64 << 20,
		ContinueOnError:  true,
	}
}

func (opts Options) withDefaults() Options {
	def := DefaultOptions()
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = def.MaxInFlight
	}
	if opts.MaxPrepared <= 0 {
		opts.MaxPrepared = def.MaxPrepared
	}
	if opts.MaxPreparedBytes <= 0 {
		opts.MaxPreparedBytes = def.MaxPreparedBytes
	}
	return opts
}

// Source is the local side of an upload.
type Source interface {
	// Load returns the serialized metadata and the contents of a file.
	Load(hash pathhash.Hash) (meta, content []byte, err error)
}

// Sink is the local side of a download.
type Sink interface {
	Restore(meta []byte, mtime uint64, content []byte) error
}

// Worker transfers the files of one folder over an authenticated connection.
type Worker struct {
	conn    *wire.Conn
	session *secure.Session
	owner   *secure.Session
	folder  pathhash.Hash
	opts    Options
	log     logrus.FieldLogger
}

// NewWorker creates a Worker. `session` encrypts packets for the peer, and
// `owner` encrypts file payloads so that only this node can read them back.
func NewWorker(conn *wire.Conn, session, owner *secure.Session, folder pathhash.Hash,
	opts Options, log logrus.FieldLogger) *Worker {
	return &Worker{
		conn:    conn,
		session: session,
		owner:   owner,
		folder:  folder,
		opts:    opts.withDefaults(),
		log:     log.WithField("folder", folder.Base64()),
	}
}

// request is a packet that's ready to be sent for the item at `index`.
type request struct {
	index  int
	packet wire.Packet
	weight int64
	err    error
}

// Upload sends the given files from `src` to the peer.
func (w *Worker) Upload(ctx context.Context, src Source, files []sync.FileTime) (Report, error) {
	report := newReport(files)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	budget := semaphore.NewWeighted(w.opts.MaxPreparedBytes)
	requests := make(chan request, w.opts.MaxPrepared)

	var producer errgroup.Group
	producer.Go(func() error {
		defer close(requests)
		for i, f := range files {
			req := request{index: i}
			req.packet, req.err = w.prepareUpload(src, f)
			if req.err == nil {
				req.weight = int64(len(req.packet.Data))
				if req.weight > w.opts.MaxPreparedBytes {
					req.weight = w.opts.MaxPreparedBytes
				}
				if err := budget.Acquire(ctx, req.weight); err != nil {
					return nil
				}
			}

			select {
			case requests <- req:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	b := &batch{
		Worker:  w,
		report:  report,
		expect:  wire.UploadArchive,
		release: func(n int64) { budget.Release(n) },
	}
	err := b.run(ctx, requests)

	// Stop the producer if we bailed early, and always wait for it.
	cancel()
	_ = producer.Wait()
	return *report, err
}

func (w *Worker) prepareUpload(src Source, f sync.FileTime) (wire.Packet, error) {
	meta, content, err := src.Load(f.Hash)
	if err != nil {
		return wire.Packet{}, errors.WithContext(err, "load")
	}

	object, err := store.EncodeObject(w.owner, meta, content)
	if err != nil {
		return wire.Packet{}, errors.WithContext(err, "encode")
	}

	payload := wire.NewWriter(2*pathhash.Size + 8 + len(object)).
		Raw(w.folder.Bytes()).
		Raw(f.Hash.Bytes()).
		Uint64(f.Mtime).
		Raw(object).
		Bytes()
	return w.session.EncryptPacket(wire.Packet{Type: wire.UploadArchive, Data: payload})
}

// Delete removes the given files from the peer's archive.
func (w *Worker) Delete(ctx context.Context, files []sync.FileTime) (Report, error) {
	b := &batch{Worker: w, report: newReport(files), expect: wire.DeleteArchive}
	err := b.run(ctx, w.fileRequests(wire.DeleteArchive, files))
	return *b.report, err
}

// Download fetches the given files from the peer, and restores them into
// `sink`.
func (w *Worker) Download(ctx context.Context, sink Sink, files []sync.FileTime) (Report, error) {
	b := &batch{
		Worker: w,
		report: newReport(files),
		expect: wire.DownloadArchive,
		onReply: func(payload []byte) error {
			r := wire.NewReader(payload)
			mtime, err := r.Uint64()
			if err != nil {
				return errors.WithContext(err, "parse mtime")
			}

			meta, content, err := store.DecodeObject(w.owner, r.Rest())
			if err != nil {
				return errors.WithContext(err, "decode")
			}

			if err := sink.Restore(meta, mtime, content); err != nil {
				return errors.WithContext(err, "restore")
			}
			return nil
		},
	}
	err := b.run(ctx, w.fileRequests(wire.DownloadArchive, files))
	return *b.report, err
}

// fileRequests builds requests whose payload is just the folder and file
// hash. They're cheap enough that there's no need for a producer.
func (w *Worker) fileRequests(typ wire.Type, files []sync.FileTime) <-chan request {
	requests := make(chan request, len(files))
	for i, f := range files {
		payload := wire.NewWriter(2 * pathhash.Size).
			Raw(w.folder.Bytes()).
			Raw(f.Hash.Bytes()).
			Bytes()

		req := request{index: i}
		req.packet, req.err = w.session.EncryptPacket(wire.Packet{Type: typ, Data: payload})
		requests <- req
	}
	close(requests)
	return requests
}

// batch is the state of one call to Upload, Delete or Download. It's only
// used from the goroutine driving the connection.
type batch struct {
	*Worker
	report *Report
	expect wire.Type

	// inflight holds the indices of the items that were sent, in order.
	inflight []int

	onReply func(payload []byte) error
	release func(n int64)
}

func (b *batch) run(ctx context.Context, requests <-chan request) error {
	// Unblock any network call that's waiting on the peer once we're
	// cancelled.
	stop := context.AfterFunc(ctx, b.conn.Interrupt)
	defer stop()

	err := b.loop(ctx, requests)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if err != nil {
		b.abandon(err)
	}
	return err
}

// abandon marks every item that didn't finish as failed once the batch has
// stopped early.
func (b *batch) abandon(err error) {
	var n int
	for i := range b.report.Items {
		item := &b.report.Items[i]
		if item.State == Acknowledged || item.State == Failed {
			continue
		}
		item.State = Failed
		item.Err = errors.WithContext(err, "batch stopped")
		n++
	}
	b.inflight = nil

	if n > 0 {
		b.log.WithError(err).WithField("files", n).Warn("Batch stopped early")
	}
}

func (b *batch) loop(ctx context.Context, requests <-chan request) error {
	more := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Handle replies that have already arrived before deciding whether
		// we can send more.
		for len(b.inflight) > 0 && b.conn.PacketAvailable() {
			if err := b.receive(); err != nil {
				return err
			}
		}

		if !more || len(b.inflight) >= b.opts.MaxInFlight {
			if len(b.inflight) == 0 {
				return nil
			}
			if err := b.receive(); err != nil {
				return err
			}
			continue
		}

		var req request
		select {
		case req, more = <-requests:
		default:
			if len(b.inflight) > 0 {
				// Nothing is ready to send, so wait on the network instead.
				if err := b.receive(); err != nil {
					return err
				}
				continue
			}

			select {
			case req, more = <-requests:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if more {
			if err := b.send(req); err != nil {
				return err
			}
		}
	}
}

func (b *batch) send(req request) error {
	item := &b.report.Items[req.index]
	if req.err != nil {
		return b.fail(item, errors.WithContext(req.err, "prepare"))
	}
	item.State = Prepared

	err := b.conn.WritePacket(req.packet)
	if b.release != nil {
		b.release(req.weight)
	}
	if err != nil {
		// The connection is gone, so there's no point continuing.
		b.fail(item, err)
		return errors.WithContext(err, "send "+item.Hash.Base64())
	}

	item.State = Sent
	b.inflight = append(b.inflight, req.index)
	if len(b.inflight) > b.report.MaxInFlight {
		b.report.MaxInFlight = len(b.inflight)
	}
	return nil
}

func (b *batch) receive() error {
	reply, err := b.conn.ReadPacket()
	if err != nil {
		return errors.WithContext(err, "receive reply")
	}

	index := b.inflight[0]
	b.inflight = b.inflight[1:]
	item := &b.report.Items[index]

	if reply.Type != b.expect {
		return b.fail(item, errors.NewProtocolError(
			"expected %s reply, got %s", b.expect, reply.Type))
	}

	reply, err = b.session.DecryptPacket(reply)
	if err != nil {
		return b.fail(item, err)
	}

	if b.onReply != nil {
		if err := b.onReply(reply.Data); err != nil {
			return b.fail(item, err)
		}
	}
	item.State = Acknowledged
	return nil
}

// fail marks the item as failed. It returns an error if the batch should
// stop.
func (b *batch) fail(item *Item, err error) error {
	item.State = Failed
	item.Err = err
	b.log.WithError(err).WithField("file", item.Hash.Base64()).Warn("Transfer failed")

	if b.opts.ContinueOnError {
		return nil
	}
	return errors.WithContext(err, item.Hash.Base64())
}
