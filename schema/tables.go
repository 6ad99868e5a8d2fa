package schema

import (
	"encoding/binary"

	merkletools "github.com/chainpoint/merkletools-go"
	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"
)

// Key layout, shared by every validator so stored state agrees bit for bit:
//
//	<prefix> ++ 8-byte big-endian position -> item bytes
//	<prefix> ++ "len"                      -> 8-byte big-endian item count
//	<prefix> ++ "root"                     -> cached Merkle root (merkleList only)

var (
	lenSuffix  = []byte("len")
	rootSuffix = []byte("root")
)

// listTable : an append-only sequence of byte strings under a common prefix
type listTable struct {
	db     dbm.DB
	prefix []byte
}

func newListTable(db dbm.DB, prefix []byte) listTable {
	return listTable{db: db, prefix: cp(prefix)}
}

func (l listTable) suffixKey(suffix []byte) []byte {
	key := make([]byte, 0, len(l.prefix)+len(suffix))
	key = append(key, l.prefix...)
	return append(key, suffix...)
}

func (l listTable) itemKey(index uint64) []byte {
	key := make([]byte, len(l.prefix)+8)
	copy(key, l.prefix)
	binary.BigEndian.PutUint64(key[len(l.prefix):], index)
	return key
}

// Len : the number of items appended so far
func (l listTable) Len() (uint64, error) {
	raw, err := l.db.Get(l.suffixKey(lenSuffix))
	if err != nil {
		return 0, errors.Wrap(err, "reading list length")
	}
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, errors.Errorf("corrupt list length under %x", l.prefix)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Get : the item at a position previously returned by Append
func (l listTable) Get(index uint64) ([]byte, error) {
	raw, err := l.db.Get(l.itemKey(index))
	if err != nil {
		return nil, errors.Wrapf(err, "reading list item %d", index)
	}
	if raw == nil {
		return nil, errors.Errorf("list item %d missing under %x", index, l.prefix)
	}
	return raw, nil
}

// Append : stage the item and the new length on batch. The caller commits
// the batch; staging two appends to the same list on one batch is not
// supported, the second would reuse the first's position.
func (l listTable) Append(batch dbm.Batch, value []byte) (uint64, error) {
	n, err := l.Len()
	if err != nil {
		return 0, err
	}
	newLen := make([]byte, 8)
	binary.BigEndian.PutUint64(newLen, n+1)
	batch.Set(l.itemKey(n), value)
	batch.Set(l.suffixKey(lenSuffix), newLen)
	return n, nil
}

// merkleList : a listTable that maintains an authenticated root over leaves
// derived from its items. The leaf function must be the same on every
// validator or roots diverge.
type merkleList struct {
	listTable
	leaf func(item []byte) ([]byte, error)
}

func newMerkleList(db dbm.DB, prefix []byte, leaf func([]byte) ([]byte, error)) merkleList {
	return merkleList{listTable: newListTable(db, prefix), leaf: leaf}
}

// emptyRoot : the root of a list with no entries
var emptyRoot = make([]byte, 32)

// Root : the cached Merkle root over the current items
func (m merkleList) Root() ([]byte, error) {
	raw, err := m.db.Get(m.suffixKey(rootSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "reading list root")
	}
	if raw == nil {
		return cp(emptyRoot), nil
	}
	return raw, nil
}

// Append : stage the item together with the recomputed root
func (m merkleList) Append(batch dbm.Batch, value []byte) (uint64, error) {
	tree, err := m.tree(value)
	if err != nil {
		return 0, err
	}
	index, err := m.listTable.Append(batch, value)
	if err != nil {
		return 0, err
	}
	batch.Set(m.suffixKey(rootSuffix), tree.GetMerkleRoot())
	return index, nil
}

// Proof : the inclusion path for the item at index against the current root
func (m merkleList) Proof(index uint64) ([]merkletools.ProofStep, error) {
	n, err := m.Len()
	if err != nil {
		return nil, err
	}
	if index >= n {
		return nil, errors.Errorf("list index %d out of range [0, %d)", index, n)
	}
	tree, err := m.tree(nil)
	if err != nil {
		return nil, err
	}
	return tree.GetProof(int(index)), nil
}

// tree : rebuild the Merkle tree over all stored items, plus one pending
// item when extra is non-nil
func (m merkleList) tree(extra []byte) (*merkletools.MerkleTree, error) {
	n, err := m.Len()
	if err != nil {
		return nil, err
	}
	tree := &merkletools.MerkleTree{}
	for i := uint64(0); i < n; i++ {
		item, err := m.Get(i)
		if err != nil {
			return nil, err
		}
		leaf, err := m.leaf(item)
		if err != nil {
			return nil, errors.Wrapf(err, "deriving leaf %d", i)
		}
		tree.AddLeaf(leaf)
	}
	if extra != nil {
		leaf, err := m.leaf(extra)
		if err != nil {
			return nil, errors.Wrap(err, "deriving pending leaf")
		}
		tree.AddLeaf(leaf)
	}
	tree.MakeTree()
	return tree, nil
}

func cp(bz []byte) []byte {
	ret := make([]byte, len(bz))
	copy(ret, bz)
	return ret
}
