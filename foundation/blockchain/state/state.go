// Package state is the core API for the blockchain node. It ties the
// mempool, the block database and the difficulty together and implements
// the processing that moves pending work into stored blocks.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xtalchain/xtal/foundation/blockchain/database"
	"github.com/xtalchain/xtal/foundation/blockchain/difficulty"
	"github.com/xtalchain/xtal/foundation/blockchain/genesis"
	"github.com/xtalchain/xtal/foundation/blockchain/mempool"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// Set of errors returned when a block does not fit the chain.
var (
	ErrNotChainTip   = errors.New("block does not extend the chain tip")
	ErrBadMerkleRoot = errors.New("block merkle root does not match its transactions")
)

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of persisting blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing background maintenance for the node.
type Worker interface {
	Shutdown()
}

// =============================================================================

// Config represents the configuration required to start
// the blockchain node.
type Config struct {
	Genesis   genesis.Genesis
	Database  *database.Database
	Mempool   *mempool.Mempool
	EvHandler EventHandler
}

// State manages the blockchain database.
type State struct {
	genesis   genesis.Genesis
	db        *database.Database
	mempool   *mempool.Mempool
	evHandler EventHandler

	mu          sync.Mutex
	difficulty  difficulty.Difficulty
	height      uint64
	periodStart uint64

	Worker Worker
}

// New constructs a new blockchain for data management. The height and the
// difficulty pick up from the chain tip held by the database.
func New(ctx context.Context, cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if err := cfg.Genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	state := State{
		genesis:     cfg.Genesis,
		db:          cfg.Database,
		mempool:     cfg.Mempool,
		evHandler:   ev,
		difficulty:  difficulty.New(cfg.Genesis.Difficulty),
		periodStart: uint64(cfg.Genesis.Date.Unix()),
	}

	if tip := cfg.Database.ChainTip(); !tip.IsZero() {
		block, found, err := cfg.Database.GetBlock(ctx, tip)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("chain tip %s is not in the database", tip)
		}

		state.height = block.Header.Number
		state.difficulty = difficulty.New(block.Header.Bits)
		state.periodStart = block.Header.TimeStamp

		// The tip closed a retarget interval, so the adjustment made when it
		// was accepted has to be made again.
		interval := cfg.Genesis.RetargetInterval
		switch steps := state.height % interval; steps {
		case 0:
			start, err := state.ancestorTime(ctx, block, interval)
			if err != nil {
				return nil, err
			}

			next, _, err := difficulty.Adjust(state.difficulty, elapsed(start, block.Header.TimeStamp), cfg.Genesis.TargetTimespan)
			if err != nil {
				return nil, err
			}
			state.difficulty = next

		default:
			start, err := state.ancestorTime(ctx, block, steps)
			if err != nil {
				return nil, err
			}
			state.periodStart = start
		}
	}

	ev("state: New: height[%d] difficulty[%s]", state.height, state.difficulty)

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &state, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop all blockchain maintenance activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	return s.db.Close()
}

// =============================================================================

// SubmitTransaction adds a transaction to the mempool.
func (s *State) SubmitTransaction(tx storage.Tx) error {
	if err := s.mempool.AddTransaction(tx); err != nil {
		return err
	}

	s.evHandler("state: SubmitTransaction: tx[%s] mempool[%d]", tx.ID, s.mempool.Count())

	return nil
}

// SubmitFruit adds a fruit to the mempool.
func (s *State) SubmitFruit(fruit storage.SignedBlock) error {
	if err := s.mempool.AddFruit(fruit); err != nil {
		return err
	}

	s.evHandler("state: SubmitFruit: fruits[%d]", s.mempool.FruitCount())

	return nil
}

// CleanupMempool drops the mempool items that have expired.
func (s *State) CleanupMempool() (int, error) {
	n, err := s.mempool.CleanupExpired()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.evHandler("state: CleanupMempool: dropped[%d] size[%.2fMB]", n, s.mempool.SizeMB())
	}

	return n, nil
}

// AssembleBlock builds the next block on top of the chain tip from the
// best transactions in the mempool.
func (s *State) AssembleBlock(nonce uint64) (storage.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trans := s.mempool.PickBest(int(s.genesis.TransPerBlock))

	root, err := merkleRoot(trans)
	if err != nil {
		return storage.Block{}, err
	}

	block := storage.NewBlock(s.db.ChainTip(), s.height+1, s.difficulty.Bits(), root, trans)
	block.Header.Nonce = nonce

	s.evHandler("state: AssembleBlock: blk[%d]: trans[%d] root[%s]", block.Header.Number, len(trans), root)

	return block, nil
}

// AcceptBlock stores a block that extends the chain tip and then purges the
// included transactions and fruits from the mempool. The difficulty is
// adjusted each time a retarget interval completes.
func (s *State) AcceptBlock(ctx context.Context, block storage.Block, fruits []storage.FruitHeader) (storage.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tip := s.db.ChainTip(); block.Header.PrevBlockHash != tip {
		return storage.ZeroHash, fmt.Errorf("%w: parent[%s] tip[%s]", ErrNotChainTip, block.Header.PrevBlockHash, tip)
	}

	root, err := merkleRoot(block.Trans)
	if err != nil {
		return storage.ZeroHash, err
	}
	if root != block.Header.MerkleRoot {
		return storage.ZeroHash, fmt.Errorf("%w: got[%s] exp[%s]", ErrBadMerkleRoot, block.Header.MerkleRoot, root)
	}

	hash, err := s.db.AddBlock(ctx, block)
	if err != nil {
		return storage.ZeroHash, err
	}
	s.height = block.Header.Number

	s.evHandler("state: AcceptBlock: blk[%d]: hash[%s] trans[%d] fruits[%d]", block.Header.Number, hash, len(block.Trans), len(fruits))

	if err := s.mempool.RemoveTransactions(block.Trans); err != nil {
		return hash, err
	}

	if err := s.mempool.RemoveFruits(fruits); err != nil {
		return hash, err
	}

	if s.height%s.genesis.RetargetInterval == 0 {
		actual := elapsed(s.periodStart, block.Header.TimeStamp)
		s.periodStart = block.Header.TimeStamp

		if _, err := s.retarget(actual); err != nil {
			return hash, err
		}
	}

	return hash, nil
}

// Retarget adjusts the difficulty from the number of seconds the last
// retarget interval actually took.
func (s *State) Retarget(actualTimespan uint64) (difficulty.Difficulty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retarget(actualTimespan)
}

func (s *State) retarget(actualTimespan uint64) (difficulty.Difficulty, error) {
	next, percent, err := difficulty.Adjust(s.difficulty, actualTimespan, s.genesis.TargetTimespan)
	if err != nil {
		return s.difficulty, err
	}

	s.evHandler("state: Retarget: actual[%ds] target[%ds] difficulty[%s -> %s] change[%.2f%%]", actualTimespan, s.genesis.TargetTimespan, s.difficulty, next, percent)

	s.difficulty = next

	return next, nil
}

// =============================================================================

// Genesis returns the genesis values the node runs with.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// Difficulty returns the difficulty the next block is assembled with.
func (s *State) Difficulty() difficulty.Difficulty {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.difficulty
}

// Height returns the number of the block at the chain tip.
func (s *State) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.height
}

// ChainTip returns the hash of the most recently stored block.
func (s *State) ChainTip() storage.Hash {
	return s.db.ChainTip()
}

// QueryBlock returns the stored block with the specified hash.
func (s *State) QueryBlock(ctx context.Context, hash storage.Hash) (storage.Block, bool, error) {
	return s.db.GetBlock(ctx, hash)
}

// QueryMempool returns the pending transactions in admission order.
func (s *State) QueryMempool() []storage.Tx {
	return s.mempool.Transactions()
}

// QueryMempoolLength returns the current length of the mempool.
func (s *State) QueryMempoolLength() int {
	return s.mempool.Count()
}

// =============================================================================

// ancestorTime walks back the specified number of blocks from the block and
// returns the timestamp found there. Walking past the first block lands on
// the genesis date.
func (s *State) ancestorTime(ctx context.Context, block storage.Block, steps uint64) (uint64, error) {
	for range steps {
		parent := block.Header.PrevBlockHash
		if parent.IsZero() {
			return uint64(s.genesis.Date.Unix()), nil
		}

		var found bool
		var err error
		block, found, err = s.db.GetBlock(ctx, parent)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("parent block %s is not in the database", parent)
		}
	}

	return block.Header.TimeStamp, nil
}

// elapsed returns the seconds between two timestamps, zero when the clock
// went backwards.
func elapsed(from uint64, to uint64) uint64 {
	if to <= from {
		return 0
	}
	return to - from
}

// merkleRoot returns the merkle root over the encoded transactions.
func merkleRoot(trans []storage.Tx) (storage.Hash, error) {
	items := make([][]byte, len(trans))
	for i, tx := range trans {
		data, err := tx.Encode()
		if err != nil {
			return storage.ZeroHash, fmt.Errorf("%w: %w", mempool.ErrEncoding, err)
		}
		items[i] = data
	}

	return mempool.CalculateMerkleRoot(items), nil
}
