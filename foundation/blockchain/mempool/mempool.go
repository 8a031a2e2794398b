// Package mempool maintains the pools of pending transactions and fruits
// for the blockchain. Both pools share one byte budget and each keeps a
// merkle tree over its contents so inclusion can be proven at any time.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xtalchain/xtal/foundation/blockchain/mempool/selector"
	"github.com/xtalchain/xtal/foundation/blockchain/merkle"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
	"github.com/xtalchain/xtal/foundation/validate"
)

// Set of errors the mempool can return.
var (
	ErrPoolFull    = errors.New("mempool is full")
	ErrInvalidKind = errors.New("signed block is not a fruit")
	ErrDuplicate   = errors.New("item is already pooled")
	ErrEncoding    = errors.New("unable to encode item")
)

const bytesPerMB = 1024 * 1024

// Config represents the configuration required to construct a mempool.
type Config struct {
	SizeLimitMB    int           `json:"size_limit_mb" validate:"gt=0"`
	TxTimeout      time.Duration `json:"tx_timeout" validate:"gt=0"`
	FruitTimeout   time.Duration `json:"fruit_timeout" validate:"gt=0"`
	SelectStrategy string        `json:"select_strategy"`
}

// Option represents a function that can change how a mempool is constructed.
type Option func(mp *Mempool)

// WithClock replaces the clock used to stamp fruits and to measure age.
func WithClock(now func() time.Time) Option {
	return func(mp *Mempool) {
		mp.now = now
	}
}

// Proof is the sibling path for one pooled item. An order of 0 means the
// sibling is concatenated first, 1 means it is concatenated second.
type Proof struct {
	Hashes []storage.Hash `json:"hashes"`
	Order  []int64        `json:"order"`
}

// =============================================================================

// Mempool represents a cache of transactions and fruits waiting to be
// included in a block.
type Mempool struct {
	mu           sync.RWMutex
	txs          *pool[storage.Tx]
	fruits       *pool[storage.SignedBlock]
	sizeLimit    uint64
	currentSize  uint64
	txTimeout    time.Duration
	fruitTimeout time.Duration
	lastCleanup  time.Time
	selectFn     selector.Func
	now          func() time.Time
}

// New constructs a new mempool using the specified configuration.
func New(cfg Config, options ...Option) (*Mempool, error) {
	if err := validate.Check(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	strategy := cfg.SelectStrategy
	if strategy == "" {
		strategy = selector.StrategyQueue
	}

	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		txs:          newPool[storage.Tx](),
		fruits:       newPool[storage.SignedBlock](),
		sizeLimit:    uint64(cfg.SizeLimitMB) * bytesPerMB,
		txTimeout:    cfg.TxTimeout,
		fruitTimeout: cfg.FruitTimeout,
		selectFn:     selectFn,
		now:          time.Now,
	}

	for _, option := range options {
		option(&mp)
	}

	mp.lastCleanup = mp.now()

	return &mp, nil
}

// AddTransaction admits a transaction into the pool.
func (mp *Mempool) AddTransaction(tx storage.Tx) error {
	data, err := tx.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	hash := storage.HashBytes(data)

	mp.mu.Lock()
	defer mp.mu.Unlock()

	return admit(mp, mp.txs, hash, tx, uint64(len(data)))
}

// AddFruit admits a fruit into the pool. Signed blocks that are not
// fruits are rejected.
func (mp *Mempool) AddFruit(fruit storage.SignedBlock) error {
	if !fruit.IsFruit() {
		return ErrInvalidKind
	}

	size, err := fruit.Size()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	hash, err := fruit.Hash()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	return admit(mp, mp.fruits, hash, fruit, uint64(size))
}

// admit performs the shared bookkeeping for both pools. The caller must
// hold the write lock.
func admit[T cloner[T]](mp *Mempool, p *pool[T], hash storage.Hash, item T, size uint64) error {
	if p.contains(hash) {
		return fmt.Errorf("%w: %s", ErrDuplicate, hash)
	}

	if mp.currentSize+size > mp.sizeLimit {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrPoolFull, size, mp.currentSize, mp.sizeLimit)
	}

	e := entry[T]{
		item:  item,
		size:  size,
		added: mp.now(),
	}

	if err := p.insert(hash, e); err != nil {
		return err
	}
	mp.currentSize += size

	return nil
}

// Transactions returns a copy of the pooled transactions in the order they
// were admitted.
func (mp *Mempool) Transactions() []storage.Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.txs.values()
}

// Fruits returns a copy of the pooled fruits in the order they were admitted.
func (mp *Mempool) Fruits() []storage.SignedBlock {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.fruits.values()
}

// PickBest uses the configured select strategy to return the next set of
// transactions for the next block. Pass -1 for all the transactions.
func (mp *Mempool) PickBest(howMany int) []storage.Tx {
	mp.mu.RLock()
	txs := mp.txs.values()
	mp.mu.RUnlock()

	return mp.selectFn(txs, howMany)
}

// CleanupExpired drops the items that have outlived their pool's timeout.
// It does nothing until the shorter of the two timeouts has passed since
// the last cleanup. It returns the number of items dropped.
func (mp *Mempool) CleanupExpired() (int, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := mp.now()
	if now.Sub(mp.lastCleanup) < min(mp.txTimeout, mp.fruitTimeout) {
		return 0, nil
	}

	droppedTxs := mp.txs.retain(func(e entry[storage.Tx]) bool {
		created := time.Unix(int64(e.item.TimeStamp), 0)
		return now.Sub(created) < mp.txTimeout
	})

	droppedFruits := mp.fruits.retain(func(e entry[storage.SignedBlock]) bool {
		return now.Sub(e.added) < mp.fruitTimeout
	})

	for _, e := range droppedTxs {
		mp.release(e.size)
	}
	for _, e := range droppedFruits {
		mp.release(e.size)
	}

	if err := mp.rebuild(); err != nil {
		return 0, err
	}
	mp.lastCleanup = now

	return len(droppedTxs) + len(droppedFruits), nil
}

// RemoveTransactions purges the specified transactions, typically because
// they were included in an accepted block.
func (mp *Mempool) RemoveTransactions(txs []storage.Tx) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		hash, err := tx.Hash()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEncoding, err)
		}

		if e, removed := mp.txs.remove(hash); removed {
			mp.release(e.size)
		}
	}

	return mp.rebuild()
}

// RemoveFruits purges the pooled fruits whose header equals one of the
// specified headers.
func (mp *Mempool) RemoveFruits(headers []storage.FruitHeader) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, header := range headers {
		for _, hash := range mp.fruits.queue {
			fruit := mp.fruits.items[hash].item
			if fruit.Fruit == nil || *fruit.Fruit != header {
				continue
			}

			if e, removed := mp.fruits.remove(hash); removed {
				mp.release(e.size)
			}
			break
		}
	}

	return mp.rebuild()
}

// Truncate clears all the transactions and fruits from the pools.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.txs.reset()
	mp.fruits.reset()
	mp.currentSize = 0
}

// =============================================================================

// TransactionMerkleRoot returns the root over the pooled transactions, or
// the zero hash when there are none.
func (mp *Mempool) TransactionMerkleRoot() storage.Hash {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.txs.root()
}

// FruitMerkleRoot returns the root over the pooled fruits, or the zero hash
// when there are none.
func (mp *Mempool) FruitMerkleRoot() storage.Hash {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.fruits.root()
}

// TransactionProof returns the proof for the pooled transaction with the
// specified hash.
func (mp *Mempool) TransactionProof(hash storage.Hash) (Proof, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.txs.proof(hash)
}

// FruitProof returns the proof for the pooled fruit with the specified hash.
func (mp *Mempool) FruitProof(hash storage.Hash) (Proof, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.fruits.proof(hash)
}

// =============================================================================

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.txs.queue)
}

// FruitCount returns the current number of fruits in the pool.
func (mp *Mempool) FruitCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.fruits.queue)
}

// SizeBytes returns the number of encoded bytes held across both pools.
func (mp *Mempool) SizeBytes() uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.currentSize
}

// SizeMB returns the number of megabytes held across both pools.
func (mp *Mempool) SizeMB() float64 {
	return float64(mp.SizeBytes()) / bytesPerMB
}

// =============================================================================

// VerifyProof reports whether the proof links the leaf hash to the root.
func VerifyProof(leaf storage.Hash, proof Proof, root storage.Hash) bool {
	hashes := make([][]byte, len(proof.Hashes))
	for i, h := range proof.Hashes {
		hashes[i] = h.Bytes()
	}

	return merkle.VerifyProof(merkle.DefaultHashStrategy, leaf.Bytes(), hashes, proof.Order, root.Bytes())
}

// CalculateMerkleRoot builds a one time tree over the content hashes of the
// specified items and returns its root, or the zero hash for no items.
func CalculateMerkleRoot(items [][]byte) storage.Hash {
	if len(items) == 0 {
		return storage.ZeroHash
	}

	leafs := make([]leaf, len(items))
	for i, item := range items {
		leafs[i] = leaf(storage.HashBytes(item))
	}

	tree, err := merkle.NewTree(leafs)
	if err != nil {
		return storage.ZeroHash
	}

	return storage.BytesToHash(tree.MerkleRoot)
}

// =============================================================================

// release returns bytes to the shared budget, saturating at zero.
func (mp *Mempool) release(size uint64) {
	if size > mp.currentSize {
		mp.currentSize = 0
		return
	}
	mp.currentSize -= size
}

// rebuild regenerates both trees from their queues.
func (mp *Mempool) rebuild() error {
	if err := mp.txs.rebuild(); err != nil {
		return err
	}

	return mp.fruits.rebuild()
}
