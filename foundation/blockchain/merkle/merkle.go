// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.
// This code has been cleaned up, refactored, and turned into generics.

// Package merkle provides an implementation of a merkle tree for validation
// support for the blockchain.
package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when the requested data is not a leaf of the tree.
var ErrNotFound = errors.New("unable to find data in tree")

// ErrEmpty is returned when a tree is constructed with no content.
var ErrEmpty = errors.New("cannot construct tree with no content")

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree.
type Hashable[T any] interface {
	Hash() ([]byte, error)
	Equals(other T) bool
}

// DefaultHashStrategy is the hash function used to combine nodes when no
// other strategy is provided.
func DefaultHashStrategy() hash.Hash {
	return blake3.New()
}

// =============================================================================

// Tree represents a merkle tree that uses data of some type T that exhibits the
// behavior defined by the Hashable constraint.
type Tree[T Hashable[T]] struct {
	Root         *Node[T]
	Leafs        []*Node[T]
	MerkleRoot   []byte
	hashStrategy func() hash.Hash

	// levels[0] holds the leafs and the last level holds the root.
	levels [][]*Node[T]

	// index maps a leaf hash to the position of its first leaf.
	index map[string]int
}

// WithHashStrategy is used to change the default hash strategy of using blake3
// when constructing a new tree.
func WithHashStrategy[T Hashable[T]](hashStrategy func() hash.Hash) func(t *Tree[T]) {
	return func(t *Tree[T]) {
		t.hashStrategy = hashStrategy
	}
}

// NewTree constructs a new merkle tree that uses data of some type T that
// exhibits the behavior defined by the Hashable interface.
func NewTree[T Hashable[T]](values []T, options ...func(t *Tree[T])) (*Tree[T], error) {
	t := Tree[T]{
		hashStrategy: DefaultHashStrategy,
	}

	for _, option := range options {
		option(&t)
	}

	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate constructs the leafs and nodes of the tree from the specified
// data. If the tree has been generated previously, the tree is re-generated
// from scratch.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		return ErrEmpty
	}

	leafs, err := t.newLeafs(values)
	if err != nil {
		return err
	}

	if len(leafs)%2 == 1 {
		leafs = append(leafs, t.duplicate(leafs[len(leafs)-1]))
	}

	t.levels = [][]*Node[T]{leafs}
	t.index = make(map[string]int, len(leafs))
	t.indexLeafs(0)

	return t.commit(0)
}

// Insert appends the specified values as new leaves and commits the tree so
// the new root is available on return. Only the nodes on the right edge of
// the tree are hashed again.
func (t *Tree[T]) Insert(values ...T) error {
	if len(values) == 0 {
		return nil
	}

	if len(t.levels) == 0 {
		return t.Generate(values)
	}

	added, err := t.newLeafs(values)
	if err != nil {
		return err
	}

	// The duplicated leaf is replaced by the first new value.
	leafs := t.levels[0]
	if n := len(leafs); n > 0 && leafs[n-1].dup {
		leafs = leafs[:n-1]
	}
	from := len(leafs)

	leafs = append(leafs, added...)
	if len(leafs)%2 == 1 {
		leafs = append(leafs, t.duplicate(leafs[len(leafs)-1]))
	}

	t.levels[0] = leafs
	t.indexLeafs(from)

	return t.commit(from)
}

// Rebuild is a helper function that will rebuild the tree reusing only the
// data that it currently holds in the leaves.
func (t *Tree[T]) Rebuild() error {
	return t.Generate(t.Values())
}

// Proof returns the set of hashes and the order of concatenating those
// hashes for proving a value is in the tree. This is how you can use
// the information returned by this function.
//
// Hash the data in question and know the merkle tree root hash.
// dataHash = "0x8e4c64afaeb4e6210a65eb7a54e51d90d20112a4c085209d3db12f0597f16fd6"
// merkle_root = "0xbc43b5296b8adc75aea5f1d9220bf3bc9dc0dbed9a75d367784b50a7bbbd1211"
//
// Given this proof and proof order from this function for the data in question.
// proof = [
//
//	"0x23d2d2f2a0cbfb260492d42604728cdf8fd63b7d84e4a58094b90dbdd103cd23",
//	"0xdf25fb5ab5d1373ed6e260ead0a5c7b5fc78b0e9ccf9e09407a67bd2faaf3120",
//	"0x9dc3d2d31256f20044646614d0a6326627ccc5f1c42019c552c5929a5b9170f3"]
//
// proof_order = [0, 1, 1]
//
// Process the dataHash against the proof like this.
// bytes = concat(proof[0], dataHash)  -- Order 0 says proof comes first.
//
//	h1 = hash(bytes)
//
// bytes = concat(h1, proof[1])        -- Order 1 says proof comes second.
//
//	h2 = hash(bytes)
//
// bytes = concat(h2, proof[2])        -- Order 1 says proof comes second.
//
//	root = hash(bytes)
//
// The calculated root should match merkle_root. VerifyProof performs
// these steps.
func (t *Tree[T]) Proof(data T) ([][]byte, []int64, error) {
	node, err := t.find(data)
	if err != nil {
		return nil, nil, err
	}

	var merkleProof [][]byte
	var order []int64
	nodeParent := node.Parent

	for nodeParent != nil {
		if nodeParent.Left == node {
			merkleProof = append(merkleProof, nodeParent.Right.Hash)
			order = append(order, 1) // right leaf, concat second.
		} else {
			merkleProof = append(merkleProof, nodeParent.Left.Hash)
			order = append(order, 0) // left leaf, concat first.
		}
		node = nodeParent
		nodeParent = nodeParent.Parent
	}

	return merkleProof, order, nil
}

// Verify validates the hashes at each level of the tree and returns true
// if the resulting hash at the root of the tree matches the resulting root hash.
func (t *Tree[T]) Verify() error {
	calculatedMerkleRoot, err := t.Root.verify()
	if err != nil {
		return err
	}

	if !bytes.Equal(t.MerkleRoot, calculatedMerkleRoot) {
		return errors.New("root hash invalid")
	}

	return nil
}

// VerifyData indicates whether a given piece of data is in the tree and if the
// hashes are valid for that data. Returns nil if the expected merkle root is
// equivalent to the merkle root calculated on the critical path for a given
// piece of data.
func (t *Tree[T]) VerifyData(data T) error {
	node, err := t.find(data)
	if err != nil {
		return err
	}

	currentParent := node.Parent
	for currentParent != nil {
		rightBytes, err := currentParent.Right.CalculateHash()
		if err != nil {
			return err
		}

		leftBytes, err := currentParent.Left.CalculateHash()
		if err != nil {
			return err
		}

		h := t.hashStrategy()
		if _, err := h.Write(concat(leftBytes, rightBytes)); err != nil {
			return err
		}

		if !bytes.Equal(h.Sum(nil), currentParent.Hash) {
			return errors.New("merkle root is not equivalent to the merkle root calculated on the critical path")
		}

		currentParent = currentParent.Parent
	}

	return nil
}

// Values returns a slice of unique values stored in the tree.
func (t *Tree[T]) Values() []T {
	values := make([]T, 0, len(t.Leafs))
	for _, node := range t.Leafs {
		if node.dup {
			continue
		}
		values = append(values, node.Value)
	}

	return values
}

// Len returns the number of unique values stored in the tree.
func (t *Tree[T]) Len() int {
	n := len(t.Leafs)
	if n > 0 && t.Leafs[n-1].dup {
		n--
	}

	return n
}

// RootHex converts the merkle root byte hash to a hex encoded string.
func (t *Tree[T]) RootHex() string {
	return hexutil.Encode(t.MerkleRoot)
}

// String returns a string representation of the tree. Only leaf nodes are
// included in the output.
func (t *Tree[T]) String() string {
	s := ""

	for _, l := range t.Leafs {
		s += fmt.Sprint(l)
		s += "\n"
	}

	return s
}

// MarshalText implements the TextMarshaler interface and produces a panic
// if anyone tries to marshal the Merkle tree. I don't want this to happen.
// Use the Values function to return a slice that can be marshaled.
func (t *Tree[T]) MarshalText() (text []byte, err error) {
	panic("do not marshal the merkle tree, use Values")
}

// =============================================================================

// VerifyProof recalculates the root from a leaf hash and the proof returned
// by Tree.Proof and reports whether it matches the specified root.
func VerifyProof(hashStrategy func() hash.Hash, leaf []byte, proof [][]byte, order []int64, root []byte) bool {
	if len(proof) != len(order) {
		return false
	}

	current := leaf
	for i, sibling := range proof {
		h := hashStrategy()

		switch order[i] {
		case 0:
			h.Write(concat(sibling, current))
		case 1:
			h.Write(concat(current, sibling))
		default:
			return false
		}

		current = h.Sum(nil)
	}

	return bytes.Equal(current, root)
}

// =============================================================================

// Node represents a node, root, or leaf in the tree. It stores pointers to its
// immediate relationships, a hash, the data if it is a leaf, and other metadata.
type Node[T Hashable[T]] struct {
	Tree   *Tree[T]
	Parent *Node[T]
	Left   *Node[T]
	Right  *Node[T]
	Hash   []byte
	Value  T
	leaf   bool
	dup    bool
}

// verify walks down the tree until hitting a leaf, calculating the hash at
// each level and returning the resulting hash of the node.
func (n *Node[T]) verify() ([]byte, error) {
	if n.leaf {
		return n.Value.Hash()
	}

	rightBytes, err := n.Right.verify()
	if err != nil {
		return nil, err
	}

	leftBytes, err := n.Left.verify()
	if err != nil {
		return nil, err
	}

	h := n.Tree.hashStrategy()
	if _, err := h.Write(concat(leftBytes, rightBytes)); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// CalculateHash is a helper function that calculates the hash of the node.
func (n *Node[T]) CalculateHash() ([]byte, error) {
	if n.leaf {
		return n.Value.Hash()
	}

	h := n.Tree.hashStrategy()
	if _, err := h.Write(concat(n.Left.Hash, n.Right.Hash)); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// String returns a string representation of the node.
func (n *Node[T]) String() string {
	return fmt.Sprintf("%t %t %v %v", n.leaf, n.dup, n.Hash, n.Value)
}

// =============================================================================

// newLeafs hashes the values into leaf nodes without touching the tree.
func (t *Tree[T]) newLeafs(values []T) ([]*Node[T], error) {
	leafs := make([]*Node[T], 0, len(values)+1)
	for _, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return nil, err
		}

		leafs = append(leafs, &Node[T]{
			Hash:  hash,
			Value: value,
			leaf:  true,
			Tree:  t,
		})
	}

	return leafs, nil
}

// duplicate returns the copy of the last leaf that pads an odd count.
func (t *Tree[T]) duplicate(last *Node[T]) *Node[T] {
	return &Node[T]{
		Hash:  last.Hash,
		Value: last.Value,
		leaf:  true,
		dup:   true,
		Tree:  t,
	}
}

// indexLeafs records the position of every real leaf starting at from.
func (t *Tree[T]) indexLeafs(from int) {
	for i := from; i < len(t.levels[0]); i++ {
		node := t.levels[0][i]
		if node.dup {
			continue
		}

		key := string(node.Hash)
		if _, exists := t.index[key]; !exists {
			t.index[key] = i
		}
	}
}

// find returns the first real leaf holding the data.
func (t *Tree[T]) find(data T) (*Node[T], error) {
	hash, err := data.Hash()
	if err != nil {
		return nil, err
	}

	i, exists := t.index[string(hash)]
	if !exists {
		return nil, ErrNotFound
	}

	node := t.levels[0][i]
	if node.dup || !node.Value.Equals(data) {
		return nil, ErrNotFound
	}

	return node, nil
}

// commit hashes the intermediate levels again for every node whose leafs
// start at position from or later. Each level pairs its nodes left to right
// and an odd node at the end is paired with itself. The root is the single
// node at the top.
func (t *Tree[T]) commit(from int) error {
	level := 0
	for len(t.levels[level]) > 1 {
		nl := t.levels[level]
		if level+1 == len(t.levels) {
			t.levels = append(t.levels, nil)
		}

		start := min(from/2, len(t.levels[level+1]))
		nodes := t.levels[level+1][:start]

		for i := start * 2; i < len(nl); i += 2 {
			left, right := nl[i], nl[i]
			if i+1 < len(nl) {
				right = nl[i+1]
			}

			h := t.hashStrategy()
			if _, err := h.Write(concat(left.Hash, right.Hash)); err != nil {
				return err
			}

			n := Node[T]{
				Left:  left,
				Right: right,
				Hash:  h.Sum(nil),
				Tree:  t,
			}

			nodes = append(nodes, &n)
			left.Parent = &n
			right.Parent = &n
		}

		t.levels[level+1] = nodes
		from = start
		level++
	}

	t.levels = t.levels[:level+1]
	t.Root = t.levels[level][0]
	t.Root.Parent = nil
	t.Leafs = t.levels[0]
	t.MerkleRoot = t.Root.Hash

	return nil
}

// concat joins two hashes into a new slice so neither input is aliased.
func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
