package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	PrevBlockHash Hash   `json:"prev_block_hash"` // Hash of the previous block in the chain.
	MerkleRoot    Hash   `json:"merkle_root"`     // Merkle root of the transactions in the block.
	Number        uint64 `json:"number"`          // Block number in the chain.
	Bits          uint32 `json:"bits"`            // Compact difficulty the block was mined against.
	TimeStamp     uint64 `json:"timestamp"`       // Time the block was mined.
	Nonce         uint64 `json:"nonce"`           // Value identified to solve the hash solution.
}

// Block represents a group of transactions batched together.
type Block struct {
	Header BlockHeader `json:"header"`
	Trans  []Tx        `json:"txs"`
}

// NewBlock constructs a new block that follows the specified parent.
func NewBlock(parentHash Hash, number uint64, bits uint32, merkleRoot Hash, trans []Tx) Block {
	return Block{
		Header: BlockHeader{
			PrevBlockHash: parentHash,
			MerkleRoot:    merkleRoot,
			Number:        number,
			Bits:          bits,
			TimeStamp:     uint64(time.Now().UTC().Unix()),
		},
		Trans: trans,
	}
}

// Encode returns the canonical encoding of the block.
func (b Block) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeBlock converts an encoded block back into a value.
func DecodeBlock(data []byte) (Block, error) {
	var block Block
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return Block{}, err
	}

	return block, nil
}

// Hash returns the content hash of the encoded block.
func (b Block) Hash() (Hash, error) {
	data, err := b.Encode()
	if err != nil {
		return ZeroHash, err
	}

	return HashBytes(data), nil
}

// =============================================================================

// BlockType distinguishes a full block from a fruit.
type BlockType uint8

// Set of block types a signed block can carry.
const (
	BlockTypeBlock BlockType = iota
	BlockTypeFruit
)

// String implements the fmt.Stringer interface.
func (t BlockType) String() string {
	switch t {
	case BlockTypeBlock:
		return "block"
	case BlockTypeFruit:
		return "fruit"
	}

	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// FruitHeader identifies a fruit. Two fruits are the same fruit when their
// headers are equal field by field.
type FruitHeader struct {
	PointerHash Hash   `json:"pointer_hash"` // Hash of the block the fruit points to.
	Miner       string `json:"miner"`        // Identity of the miner who found the fruit.
	Nonce       uint64 `json:"nonce"`        // Value identified to solve the stem difficulty.
}

// SignedBlock represents a block or a fruit along with the signature of the
// party who produced it.
type SignedBlock struct {
	Type      BlockType    `json:"type"`
	Header    BlockHeader  `json:"header"`
	Fruit     *FruitHeader `json:"fruit" rlp:"nil"`
	Signature []byte       `json:"signature"`
}

// NewFruit constructs an unsigned fruit for the specified header.
func NewFruit(header BlockHeader, fruit FruitHeader) SignedBlock {
	return SignedBlock{
		Type:   BlockTypeFruit,
		Header: header,
		Fruit:  &fruit,
	}
}

// IsFruit reports whether the signed block carries a fruit.
func (sb SignedBlock) IsFruit() bool {
	return sb.Type == BlockTypeFruit && sb.Fruit != nil
}

// Clone returns a deep copy of the signed block.
func (sb SignedBlock) Clone() SignedBlock {
	if sb.Fruit != nil {
		fruit := *sb.Fruit
		sb.Fruit = &fruit
	}
	if sb.Signature != nil {
		sb.Signature = bytes.Clone(sb.Signature)
	}
	return sb
}

// Encode returns the canonical encoding of the signed block.
func (sb SignedBlock) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(sb)
}

// DecodeSignedBlock converts an encoded signed block back into a value.
func DecodeSignedBlock(data []byte) (SignedBlock, error) {
	var sb SignedBlock
	if err := rlp.DecodeBytes(data, &sb); err != nil {
		return SignedBlock{}, err
	}

	return sb, nil
}

// Hash returns the content hash of the signed block. The signature is not
// part of the hash so the signer signs the same value everyone hashes.
func (sb SignedBlock) Hash() (Hash, error) {
	unsigned := struct {
		Type   BlockType
		Header BlockHeader
		Fruit  *FruitHeader `rlp:"nil"`
	}{
		Type:   sb.Type,
		Header: sb.Header,
		Fruit:  sb.Fruit,
	}

	data, err := rlp.EncodeToBytes(unsigned)
	if err != nil {
		return ZeroHash, err
	}

	return HashBytes(data), nil
}

// Size returns the number of bytes of the encoded signed block.
func (sb SignedBlock) Size() (int, error) {
	data, err := sb.Encode()
	if err != nil {
		return 0, err
	}

	return len(data), nil
}
