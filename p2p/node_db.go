package p2p

import (
	"fmt"
	"net"

	"github.com/cockroachdb/pebble"

	"github.com/ethdev/devp2p/rlp"
)

// NodeDB persists known nodes to a pebble key-value store so the node table
// survives process restarts instead of rediscovering its peer set from
// scratch on every boot. It backs NodeTable; NodeTable itself stays the
// in-memory, lock-protected view every other component reads.
type NodeDB struct {
	db *pebble.DB
}

// nodeRecord is the on-disk form of a Node, RLP-encoded. ID is not stored in
// the value since it is already the key.
type nodeRecord struct {
	IP   []byte
	TCP  uint16
	UDP  uint16
	Name string
}

const nodeDBKeyPrefix = "n:"

// OpenNodeDB opens (creating if necessary) a pebble store at dir.
func OpenNodeDB(dir string) (*NodeDB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("p2p: open node db: %w", err)
	}
	return &NodeDB{db: db}, nil
}

// Close closes the underlying store.
func (ndb *NodeDB) Close() error {
	return ndb.db.Close()
}

func nodeDBKey(id NodeID) []byte {
	return append([]byte(nodeDBKeyPrefix), []byte(id)...)
}

// Put persists a node's addressing data. Static/fail-count bookkeeping lives
// only in the in-memory NodeTable; a restart re-applies StaticNodes from
// configuration, so only IP/port/name need to survive.
func (ndb *NodeDB) Put(n *Node) error {
	rec := nodeRecord{IP: []byte(n.IP), TCP: n.TCP, UDP: n.UDP, Name: n.Name}
	enc, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("p2p: encode node record: %w", err)
	}
	return ndb.db.Set(nodeDBKey(n.ID), enc, pebble.Sync)
}

// Get loads a persisted node by id. Returns (nil, nil) if absent.
func (ndb *NodeDB) Get(id NodeID) (*Node, error) {
	val, closer, err := ndb.db.Get(nodeDBKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("p2p: get node record: %w", err)
	}
	defer closer.Close()

	rec, err := decodeNodeRecord(val)
	if err != nil {
		return nil, err
	}
	return recordToNode(id, rec), nil
}

// Delete removes a persisted node. Deleting an absent key is not an error.
func (ndb *NodeDB) Delete(id NodeID) error {
	return ndb.db.Delete(nodeDBKey(id), pebble.Sync)
}

// All returns every persisted node. Records that fail to decode (e.g. from
// an incompatible schema version) are skipped rather than failing the scan.
func (ndb *NodeDB) All() ([]*Node, error) {
	iter, err := ndb.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(nodeDBKeyPrefix),
		UpperBound: []byte("n;"), // 'n' + ':'+1 -- exclusive bound past every "n:" key.
	})
	if err != nil {
		return nil, fmt.Errorf("p2p: iterate node db: %w", err)
	}
	defer iter.Close()

	var nodes []*Node
	for iter.First(); iter.Valid(); iter.Next() {
		id := NodeID(iter.Key()[len(nodeDBKeyPrefix):])
		rec, err := decodeNodeRecord(iter.Value())
		if err != nil {
			continue
		}
		nodes = append(nodes, recordToNode(id, rec))
	}
	return nodes, iter.Error()
}

func decodeNodeRecord(val []byte) (nodeRecord, error) {
	var rec nodeRecord
	if err := rlp.DecodeBytes(val, &rec); err != nil {
		return nodeRecord{}, fmt.Errorf("p2p: decode node record: %w", err)
	}
	return rec, nil
}

func recordToNode(id NodeID, rec nodeRecord) *Node {
	return &Node{ID: id, IP: net.IP(rec.IP), TCP: rec.TCP, UDP: rec.UDP, Name: rec.Name}
}
