// Package backup runs folder operations against every configured node.
//
// Nodes are handled one after the other over a fresh connection each. A node
// that fails is logged and skipped, so a single unreachable peer doesn't stop
// the others from being updated.
package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/tbak/pkg/config"
	"github.com/sidkik/tbak/pkg/db"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/sync/client"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

// Dialer connects and authenticates to a node.
type Dialer func(ctx context.Context, node db.Node) (client.Client, error)

// Syncer pushes and restores folders.
type Syncer struct {
	nodes []db.Node
	dial  Dialer
	opts  transfer.Options
	log   logrus.FieldLogger
}

// Result is the outcome of an operation on a single node.
type Result struct {
	Node db.Node

	Deleted    transfer.Report
	Uploaded   transfer.Report
	Downloaded transfer.Report

	// Err is set if the node's batch didn't run to completion. Files that
	// failed within a completed batch are only recorded in the reports.
	Err error
}

// Failed returns the files that couldn't be transferred.
func (res Result) Failed() []transfer.Item {
	var failed []transfer.Item
	for _, report := range []transfer.Report{res.Deleted, res.Uploaded, res.Downloaded} {
		for _, item := range report.Items {
			if item.State == transfer.Failed {
				failed = append(failed, item)
			}
		}
	}
	return failed
}

// Status is how much of a folder a node stores.
type Status struct {
	Node db.Node

	// Size is the number of bytes stored on the node.
	Size uint64

	// Err is set if the node couldn't be reached, or doesn't store the
	// folder.
	Err error
}

// RemoteFile describes a file in a node's archive.
type RemoteFile struct {
	Path  string
	Mtime uint64
	Mode  uint16

	// Size is the size of the stored object, after compression and
	// encryption.
	Size uint64
}

// New creates a Syncer that authenticates to `nodes` as `identity`.
func New(identity secure.KeyPair, nodes []db.Node, opts transfer.Options, log logrus.FieldLogger) *Syncer {
	dial := func(ctx context.Context, node db.Node) (client.Client, error) {
		return client.New(ctx, config.NodeAddress(node.URI), identity, node.PublicKey)
	}
	return NewWithDialer(nodes, dial, opts, log)
}

// NewWithDialer creates a Syncer that connects to nodes with `dial`.
func NewWithDialer(nodes []db.Node, dial Dialer, opts transfer.Options, log logrus.FieldLogger) *Syncer {
	return &Syncer{nodes: nodes, dial: dial, opts: opts, log: log}
}

func errNoNodes() error {
	return errors.NewFriendlyError("No nodes are configured. Add one with `tbak node add`.")
}

func (s *Syncer) eachNode(ctx context.Context, fn func(client.Client, *Result) error) ([]Result, error) {
	if len(s.nodes) == 0 {
		return nil, errNoNodes()
	}

	var results []Result
	for _, node := range s.nodes {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := Result{Node: node}
		res.Err = func() error {
			c, err := s.dial(ctx, node)
			if err != nil {
				return errors.WithContext(err, "connect")
			}
			defer c.Close()
			return fn(c, &res)
		}()
		results = append(results, res)
	}
	return results, nil
}

// Push makes every node's archive of `src` match the source. Files that
// were deleted from the source are deleted from the archives.
//
// Push returns an error if the batch of any node was cut short. A file that
// fails on its own is logged and skipped, and shows up in Result.Failed.
func (s *Syncer) Push(ctx context.Context, src *store.Source) ([]Result, error) {
	if err := src.Populate(); err != nil {
		return nil, errors.WithContext(err, "scan source")
	}

	results, err := s.eachNode(ctx, func(c client.Client, res *Result) error {
		return s.pushOnce(ctx, c, src, res)
	})
	if err != nil {
		return results, err
	}

	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			s.log.WithError(res.Err).WithField("node", res.Node.URI).Error("Push failed")
		}
	}
	if failed > 0 {
		return results, errors.New("push failed on %d of %d nodes", failed, len(results))
	}
	return results, nil
}

func (s *Syncer) pushOnce(ctx context.Context, c client.Client, src *store.Source, res *Result) error {
	log := s.log.WithField("node", res.Node.URI)

	local, err := src.FileTimes()
	if err != nil {
		return errors.WithContext(err, "list local files")
	}

	if err := c.FolderCreate(src.Hash); err != nil {
		return errors.WithContext(err, "create folder")
	}

	remote, err := c.FolderList(src.Hash)
	if err != nil {
		return errors.WithContext(err, "list remote files")
	}

	diff := sync.Diff(local, remote, sync.Push)
	if diff.Empty() {
		log.Info("Already synced.")
		return nil
	}

	worker := c.Worker(src.Hash, s.opts, log)
	if len(diff.Delete) > 0 {
		res.Deleted, err = worker.Delete(ctx, diff.Delete)
		if err != nil {
			return errors.WithContext(err, "delete")
		}
	}

	if len(diff.Upload) > 0 {
		res.Uploaded, err = worker.Upload(ctx, src, diff.Upload)
		if err != nil {
			return errors.WithContext(err, "upload")
		}
	}

	log.Infof("Uploaded %d files, removed %d.",
		res.Uploaded.Count(transfer.Acknowledged), res.Deleted.Count(transfer.Acknowledged))
	warnFailed(log, *res)
	return nil
}

// Restore downloads the files that are missing or older in `src` from every
// node. Local files are never deleted. With `dryRun`, the files that would
// be downloaded are reported as pending instead.
//
// Restore only returns an error if no node completed its batch.
func (s *Syncer) Restore(ctx context.Context, src *store.Source, dryRun bool) ([]Result, error) {
	results, err := s.eachNode(ctx, func(c client.Client, res *Result) error {
		return s.restoreOnce(ctx, c, src, dryRun, res)
	})
	if err != nil {
		return results, err
	}

	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			s.log.WithError(res.Err).WithField("node", res.Node.URI).Warn("Restore failed")
		}
	}
	if failed == len(results) {
		return results, errors.New("restore failed on every node")
	}
	return results, nil
}

func (s *Syncer) restoreOnce(ctx context.Context, c client.Client, src *store.Source,
	dryRun bool, res *Result) error {
	log := s.log.WithField("node", res.Node.URI)

	// Re-scan since earlier nodes may have restored files already.
	if err := src.Populate(); err != nil {
		return errors.WithContext(err, "scan source")
	}
	local, err := src.FileTimes()
	if err != nil {
		return errors.WithContext(err, "list local files")
	}

	remote, err := c.FolderList(src.Hash)
	if err != nil {
		return errors.WithContext(err, "list remote files")
	}

	diff := sync.Diff(local, remote, sync.Pull)
	if diff.Empty() {
		log.Info("Already synced.")
		return nil
	}

	if dryRun {
		for _, ft := range diff.Download {
			res.Downloaded.Items = append(res.Downloaded.Items, transfer.Item{FileTime: ft})
		}
		log.Infof("Would download %d files.", len(diff.Download))
		return nil
	}

	res.Downloaded, err = c.Worker(src.Hash, s.opts, log).Download(ctx, src, diff.Download)
	if err != nil {
		return errors.WithContext(err, "download")
	}

	log.Infof("Downloaded %d files.", res.Downloaded.Count(transfer.Acknowledged))
	warnFailed(log, *res)
	return nil
}

// Status asks every node how much of `folder` it stores.
func (s *Syncer) Status(ctx context.Context, folder pathhash.Hash) ([]Status, error) {
	var statuses []Status
	results, err := s.eachNode(ctx, func(c client.Client, res *Result) error {
		size, err := c.FolderStats(folder)
		if err != nil {
			return err
		}
		statuses = append(statuses, Status{Node: res.Node, Size: size})
		return nil
	})

	// Merge the failures back in, keeping the order of the nodes.
	var all []Status
	for _, res := range results {
		if res.Err != nil {
			all = append(all, Status{Node: res.Node, Err: res.Err})
			continue
		}
		all = append(all, statuses[0])
		statuses = statuses[1:]
	}
	return all, err
}

// List returns the files archived for `folder`, sorted by path. Only the
// metadata is fetched. The first node that answers is used.
func (s *Syncer) List(ctx context.Context, folder pathhash.Hash) ([]RemoteFile, db.Node, error) {
	if len(s.nodes) == 0 {
		return nil, db.Node{}, errNoNodes()
	}

	var err error
	for _, node := range s.nodes {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, db.Node{}, ctxErr
		}

		var files []RemoteFile
		files, err = s.listFrom(ctx, node, folder)
		if err == nil {
			return files, node, nil
		}
		s.log.WithError(err).WithField("node", node.URI).Warn("Failed to list folder")
	}
	return nil, db.Node{}, errors.WithContext(err, "list folder")
}

func (s *Syncer) listFrom(ctx context.Context, node db.Node, folder pathhash.Hash) ([]RemoteFile, error) {
	c, err := s.dial(ctx, node)
	if err != nil {
		return nil, errors.WithContext(err, "connect")
	}
	defer c.Close()

	fts, err := c.FolderList(folder)
	if err != nil {
		return nil, err
	}

	files := make([]RemoteFile, 0, len(fts))
	for _, ft := range fts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		meta, size, err := c.DownloadMetadata(folder, ft.Hash)
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("get metadata of %s", ft.Hash.Base64()))
		}
		files = append(files, RemoteFile{Path: meta.Path, Mtime: ft.Mtime, Mode: meta.Mode, Size: size})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// warnFailed logs the files of `res` that failed without stopping the batch.
func warnFailed(log logrus.FieldLogger, res Result) {
	failed := res.Failed()
	if len(failed) == 0 {
		return
	}

	names := make([]string, 0, len(failed))
	for _, item := range failed {
		names = append(names, item.Hash.Base64())
	}
	total := len(res.Deleted.Items) + len(res.Uploaded.Items) + len(res.Downloaded.Items)
	log.WithError(failed[0].Err).
		WithField("files", truncateSlice(names, 3)).
		Warnf("%d of %d files failed to transfer.", len(failed), total)
}

func truncateSlice(slc []string, maxLen int) string {
	if len(slc) > maxLen {
		return fmt.Sprintf("%s, and %d more", strings.Join(slc[:maxLen], ", "), len(slc)-maxLen)
	}
	return strings.Join(slc, ", ")
}
