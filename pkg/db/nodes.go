package db

import (
	goSync "sync"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/lock"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/wire"
)

// Node is a peer that we back up to, and that may back up to us.
type Node struct {
	URI       string
	PublicKey secure.Key
}

// NodeDB is the list of known peers.
type NodeDB struct {
	file *lock.File

	lock  goSync.Mutex
	nodes []Node
}

// OpenNodeDB opens the database at `path`.
func OpenNodeDB(path string) (*NodeDB, error) {
	f, err := lock.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "lock node db")
	}

	db := &NodeDB{file: f}
	if err := db.load(); err != nil {
		f.Close()
		return nil, errors.WithContext(err, "load node db")
	}
	return db, nil
}

func (db *NodeDB) load() error {
	contents, err := db.file.ReadAll()
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return nil
	}

	records, err := wire.DecodeBlobList(contents)
	if err != nil {
		return errors.WithContext(err, "parse nodes")
	}

	for _, record := range records {
		r := wire.NewReader(record)
		uri, err := r.String()
		if err != nil {
			return errors.WithContext(err, "parse uri")
		}
		raw, err := r.Raw(secure.KeySize)
		if err != nil {
			return errors.WithContext(err, "parse key")
		}
		pk, _ := secure.KeyFromBytes(raw)
		db.nodes = append(db.nodes, Node{URI: uri, PublicKey: pk})
	}
	return nil
}

// Save writes the database to disk.
func (db *NodeDB) Save() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	records := make([][]byte, 0, len(db.nodes))
	for _, node := range db.nodes {
		record := wire.NewWriter(len(node.URI) + secure.KeySize + 2).
			String(node.URI).
			Raw(node.PublicKey[:]).
			Bytes()
		records = append(records, record)
	}

	if err := db.file.Overwrite(wire.EncodeBlobList(records)); err != nil {
		return errors.WithContext(err, "write node db")
	}
	return nil
}

// Close saves the database and releases its lock.
func (db *NodeDB) Close() error {
	saveErr := db.Save()
	if err := db.file.Close(); err != nil && saveErr == nil {
		return errors.WithContext(err, "unlock node db")
	}
	return saveErr
}

// Nodes returns all known nodes.
func (db *NodeDB) Nodes() []Node {
	db.lock.Lock()
	defer db.lock.Unlock()
	return append([]Node(nil), db.nodes...)
}

// Node looks up a node by URI.
func (db *NodeDB) Node(uri string) (Node, bool) {
	db.lock.Lock()
	defer db.lock.Unlock()
	for _, node := range db.nodes {
		if node.URI == uri {
			return node, true
		}
	}
	return Node{}, false
}

// Add registers a node. Nodes can't be modified once they're added, so
// adding an existing URI with a different key is an error.
func (db *NodeDB) Add(uri string, pk secure.Key) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	for _, node := range db.nodes {
		if node.URI != uri {
			continue
		}
		if node.PublicKey != pk {
			return errors.NewFriendlyError("Node %q is already registered with "+
				"a different key. Remove it first if its key changed.", uri)
		}
		return nil
	}

	db.nodes = append(db.nodes, Node{URI: uri, PublicKey: pk})
	return nil
}

// Remove unregisters a node.
func (db *NodeDB) Remove(uri string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	for i, node := range db.nodes {
		if node.URI == uri {
			db.nodes = append(db.nodes[:i], db.nodes[i+1:]...)
			return nil
		}
	}
	return errors.WithContext(errors.ErrNotFound, uri)
}

// Authorized returns the node that owns `pk`, if any. This is the only
// authorization check peers are subject to.
func (db *NodeDB) Authorized(pk secure.Key) (Node, bool) {
	db.lock.Lock()
	defer db.lock.Unlock()
	for _, node := range db.nodes {
		if node.PublicKey == pk {
			return node, true
		}
	}
	return Node{}, false
}
