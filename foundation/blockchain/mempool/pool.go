package mempool

import (
	"time"

	"github.com/xtalchain/xtal/foundation/blockchain/merkle"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// leaf is the value stored in a pool's merkle tree. The leaf hash is the
// content hash of the pooled item.
type leaf storage.Hash

// Hash implements the merkle.Hashable interface.
func (l leaf) Hash() ([]byte, error) {
	h := storage.Hash(l)
	return h.Bytes(), nil
}

// Equals implements the merkle.Hashable interface.
func (l leaf) Equals(other leaf) bool {
	return l == other
}

// =============================================================================

// cloner is the behavior a pooled value must provide so the pool never
// shares memory with its callers.
type cloner[T any] interface {
	Clone() T
}

// entry is an item held by a pool along with its accounting data.
type entry[T any] struct {
	item  T
	size  uint64
	added time.Time
}

// pool holds one kind of pending item keyed by content hash. The queue
// keeps the admission order and the tree is built over the queue. The tree
// is nil when the pool is empty.
type pool[T cloner[T]] struct {
	items map[storage.Hash]entry[T]
	queue []storage.Hash
	tree  *merkle.Tree[leaf]
}

func newPool[T cloner[T]]() *pool[T] {
	return &pool[T]{
		items: make(map[storage.Hash]entry[T]),
	}
}

// contains reports whether the hash is pooled.
func (p *pool[T]) contains(hash storage.Hash) bool {
	_, exists := p.items[hash]
	return exists
}

// insert adds the item and commits the new leaf to the tree.
func (p *pool[T]) insert(hash storage.Hash, e entry[T]) error {
	switch p.tree {
	case nil:
		tree, err := merkle.NewTree([]leaf{leaf(hash)})
		if err != nil {
			return err
		}
		p.tree = tree

	default:
		if err := p.tree.Insert(leaf(hash)); err != nil {
			return err
		}
	}

	e.item = e.item.Clone()
	p.items[hash] = e
	p.queue = append(p.queue, hash)

	return nil
}

// remove drops the hash from the map and the queue. The tree is left as is
// until rebuild is called.
func (p *pool[T]) remove(hash storage.Hash) (entry[T], bool) {
	e, exists := p.items[hash]
	if !exists {
		return entry[T]{}, false
	}

	delete(p.items, hash)
	for i, h := range p.queue {
		if h == hash {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}

	return e, true
}

// retain keeps the items the keep function approves of and returns the
// entries that were dropped.
func (p *pool[T]) retain(keep func(e entry[T]) bool) []entry[T] {
	var dropped []entry[T]

	queue := p.queue[:0]
	for _, hash := range p.queue {
		e, exists := p.items[hash]
		switch {
		case !exists:
		case keep(e):
			queue = append(queue, hash)
		default:
			delete(p.items, hash)
			dropped = append(dropped, e)
		}
	}
	p.queue = queue

	return dropped
}

// rebuild regenerates the tree from scratch over the current queue.
func (p *pool[T]) rebuild() error {
	if len(p.queue) == 0 {
		p.tree = nil
		return nil
	}

	leafs := make([]leaf, len(p.queue))
	for i, hash := range p.queue {
		leafs[i] = leaf(hash)
	}

	tree, err := merkle.NewTree(leafs)
	if err != nil {
		return err
	}
	p.tree = tree

	return nil
}

// reset drops every item from the pool.
func (p *pool[T]) reset() {
	p.items = make(map[storage.Hash]entry[T])
	p.queue = nil
	p.tree = nil
}

// root returns the committed root or the zero hash for an empty pool.
func (p *pool[T]) root() storage.Hash {
	if p.tree == nil {
		return storage.ZeroHash
	}

	return storage.BytesToHash(p.tree.MerkleRoot)
}

// proof returns the inclusion proof for the hash.
func (p *pool[T]) proof(hash storage.Hash) (Proof, bool) {
	if p.tree == nil || !p.contains(hash) {
		return Proof{}, false
	}

	hashes, order, err := p.tree.Proof(leaf(hash))
	if err != nil {
		return Proof{}, false
	}

	proof := Proof{
		Hashes: make([]storage.Hash, len(hashes)),
		Order:  order,
	}
	for i, h := range hashes {
		proof.Hashes[i] = storage.BytesToHash(h)
	}

	return proof, true
}

// values returns a deep copy of the items in queue order.
func (p *pool[T]) values() []T {
	values := make([]T, 0, len(p.queue))
	for _, hash := range p.queue {
		if e, exists := p.items[hash]; exists {
			values = append(values, e.item.Clone())
		}
	}

	return values
}
