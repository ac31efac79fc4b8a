package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/db"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/sync/server"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

type node struct {
	addr     string
	identity secure.KeyPair
	nodes    *db.NodeDB
}

func startNode(t *testing.T) node {
	dataDir := t.TempDir()
	folders, err := db.OpenFolderDB(filepath.Join(dataDir, "folders.dat"), dataDir)
	require.NoError(t, err)
	nodes, err := db.OpenNodeDB(filepath.Join(dataDir, "nodes.dat"))
	require.NoError(t, err)
	identity, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger, _ := logrusTest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = server.New(identity, folders, nodes, logger).Serve(ctx, lis)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		folders.Close()
		nodes.Close()
	})
	return node{addr: lis.Addr().String(), identity: identity, nodes: nodes}
}

func TestFetchPublicKey(t *testing.T) {
	n := startNode(t)
	pk, err := FetchPublicKey(n.addr)
	require.NoError(t, err)
	assert.Equal(t, n.identity.Public, pk)
}

func TestAuthRefused(t *testing.T) {
	n := startNode(t)
	identity, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(context.Background(), n.addr, identity, n.identity.Public)
	require.Error(t, err)
	_, ok := errors.GetFriendlyMessage(err)
	assert.True(t, ok)
}

func TestRoundTrip(t *testing.T) {
	n := startNode(t)
	identity, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, n.nodes.Add("laptop", identity.Public))

	c, err := New(context.Background(), n.addr, identity, n.identity.Public)
	require.NoError(t, err)
	defer c.Close()

	// Operations on unknown folders are aborted by the node, which then
	// hangs up. So only check that once everything else is done.
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("bravo"), 0600))

	src := store.NewSource(srcDir)
	require.NoError(t, src.Populate())
	local, err := src.FileTimes()
	require.NoError(t, err)

	require.NoError(t, c.FolderCreate(src.Hash))

	remote, err := c.FolderList(src.Hash)
	require.NoError(t, err)
	assert.Empty(t, remote)

	diff := sync.Diff(local, remote, sync.Push)
	require.Len(t, diff.Upload, 2)

	logger, _ := logrusTest.NewNullLogger()
	report, err := c.Worker(src.Hash, transfer.DefaultOptions(), logger).
		Upload(context.Background(), src, diff.Upload)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(transfer.Acknowledged))

	remote, err = c.FolderList(src.Hash)
	require.NoError(t, err)
	assert.Equal(t, local, remote)
	assert.True(t, sync.Diff(local, remote, sync.Push).Empty())

	size, err := c.FolderStats(src.Hash)
	require.NoError(t, err)
	assert.NotZero(t, size)

	fileHash := pathhash.Of("sub/b.txt")
	meta, actualSize, err := c.DownloadMetadata(src.Hash, fileHash)
	require.NoError(t, err)
	assert.Equal(t, "sub/b.txt", meta.Path)
	assert.Equal(t, uint16(0600), meta.Mode)
	assert.NotZero(t, actualSize)

	mtime, meta, content, err := c.Download(src.Hash, fileHash)
	require.NoError(t, err)
	assert.Equal(t, "sub/b.txt", meta.Path)
	assert.Equal(t, []byte("bravo"), content)
	f, ok, err := src.File(fileHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.Mtime, mtime)

	_, err = c.FolderStats(pathhash.Of("/missing"))
	assert.True(t, errors.IsProtocol(err))
}

func TestCancelInterrupts(t *testing.T) {
	n := startNode(t)
	identity, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, n.nodes.Add("laptop", identity.Public))

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(ctx, n.addr, identity, n.identity.Public)
	require.NoError(t, err)
	defer c.Close()

	cancel()
	assert.Eventually(t, func() bool {
		_, err := c.FolderStats(pathhash.Of("/x"))
		return errors.IsTransport(err)
	}, time.Second, 10*time.Millisecond)
}
