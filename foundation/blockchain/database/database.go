// Package database handles all the lower level support for maintaining the
// blockchain on disk. Blocks live in the rotating block files and the index
// maps each block hash to the location of its record.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xtalchain/xtal/foundation/blockchain/database/blockfile"
	"github.com/xtalchain/xtal/foundation/blockchain/database/index"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// Set of error categories returned by the database.
var (
	ErrIO       = errors.New("storage i/o failure")
	ErrEncoding = errors.New("block encoding failure")
)

// Indexer interface represents the behavior required to be implemented by any
// package providing the hash to location mapping.
type Indexer interface {
	Put(ctx context.Context, hash storage.Hash, loc storage.BlockLocation) error
	Get(ctx context.Context, hash storage.Hash) (storage.BlockLocation, bool, error)
	Delete(ctx context.Context, hash storage.Hash) error
	Latest(ctx context.Context) (storage.Hash, bool, error)
	Close() error
}

// Config represents the configuration required to open the database.
type Config struct {
	Files     blockfile.Config
	Index     index.Config
	Indexer   Indexer // Overrides Index when set.
	CacheSize int     // Number of decoded blocks kept in memory, zero disables.
	EvHandler func(v string, args ...any)
}

// =============================================================================

// DatabaseIterator walks through every stored block in the order the blocks
// were written.
type DatabaseIterator struct {
	iterator *blockfile.Iterator
}

// Next retrieves the next block from disk.
func (di *DatabaseIterator) Next() (storage.Block, error) {
	data, err := di.iterator.Next()
	if err != nil {
		return storage.Block{}, err
	}

	block, err := storage.DecodeBlock(data)
	if err != nil {
		return storage.Block{}, fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	return block, nil
}

// Done returns the end of chain value.
func (di *DatabaseIterator) Done() bool {
	return di.iterator.Done()
}

// Close releases the file held by the iterator.
func (di *DatabaseIterator) Close() {
	di.iterator.Close()
}

// =============================================================================

// Database manages the stored blocks and the current chain tip.
type Database struct {
	files     *blockfile.Store
	index     Indexer
	cache     *lru.Cache[storage.Hash, storage.Block]
	evHandler func(v string, args ...any)

	writeMu sync.Mutex

	mu  sync.RWMutex
	tip storage.Hash
}

// New opens the block files and the index and recovers the chain tip from
// the newest block on disk that the index knows about.
func New(ctx context.Context, cfg Config) (*Database, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	files, err := blockfile.New(cfg.Files)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	idx := cfg.Indexer
	if idx == nil {
		i, err := index.New(cfg.Index)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		idx = i
	}

	db := Database{
		files:     files,
		index:     idx,
		evHandler: ev,
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[storage.Hash, storage.Block](cfg.CacheSize)
		if err != nil {
			idx.Close()
			return nil, err
		}
		db.cache = cache
	}

	tip, err := db.recoverTip(ctx)
	if err != nil {
		idx.Close()
		return nil, err
	}
	db.tip = tip

	ev("database: New: chain tip[%s]", tip)

	return &db, nil
}

// Close closes the index. The block files hold no open handles between calls.
func (db *Database) Close() error {
	return db.index.Close()
}

// AddBlock writes the block to the block files, records its location in the
// index and then makes it the chain tip. The tip is left alone if either
// write fails.
func (db *Database) AddBlock(ctx context.Context, block storage.Block) (storage.Hash, error) {
	data, err := block.Encode()
	if err != nil {
		return storage.ZeroHash, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	hash := storage.HashBytes(data)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	loc, err := db.files.Append(data)
	if err != nil {
		return storage.ZeroHash, fmt.Errorf("%w: appending block: %w", ErrIO, err)
	}

	if err := db.index.Put(ctx, hash, loc); err != nil {

		// An indexer may have stored the entry even though it reported an
		// error. Remove it so the record cannot become the tip on restart.
		if derr := db.index.Delete(context.WithoutCancel(ctx), hash); derr != nil {
			db.evHandler("database: AddBlock: blk[%d]: hash[%s]: ERROR: removing index entry: %s", block.Header.Number, hash, derr)
		}

		return storage.ZeroHash, fmt.Errorf("%w: indexing block: %w", ErrIO, err)
	}

	if db.cache != nil {
		db.cache.Add(hash, block)
	}

	db.mu.Lock()
	db.tip = hash
	db.mu.Unlock()

	db.evHandler("database: AddBlock: blk[%d]: hash[%s] loc[%s]", block.Header.Number, hash, loc)

	return hash, nil
}

// GetBlock returns the block with the specified hash. A hash the index does
// not know about is reported as false with no error.
func (db *Database) GetBlock(ctx context.Context, hash storage.Hash) (storage.Block, bool, error) {
	if db.cache != nil {
		if block, ok := db.cache.Get(hash); ok {
			return block, true, nil
		}
	}

	loc, found, err := db.index.Get(ctx, hash)
	if err != nil {
		return storage.Block{}, false, fmt.Errorf("%w: looking up block: %w", ErrIO, err)
	}
	if !found {
		return storage.Block{}, false, nil
	}

	data, err := db.files.Read(loc)
	if err != nil {
		return storage.Block{}, false, fmt.Errorf("%w: reading block at %s: %w", ErrIO, loc, err)
	}

	if got := storage.HashBytes(data); got != hash {
		return storage.Block{}, false, fmt.Errorf("%w: record at %s hashes to %s", ErrEncoding, loc, got)
	}

	block, err := storage.DecodeBlock(data)
	if err != nil {
		return storage.Block{}, false, fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	if db.cache != nil {
		db.cache.Add(hash, block)
	}

	return block, true, nil
}

// Location returns where the block with the specified hash is stored.
func (db *Database) Location(ctx context.Context, hash storage.Hash) (storage.BlockLocation, bool, error) {
	loc, found, err := db.index.Get(ctx, hash)
	if err != nil {
		return storage.BlockLocation{}, false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return loc, found, nil
}

// DeleteBlock removes the block from the index so it can no longer be looked
// up. The record stays in its block file and the chain tip is unchanged.
func (db *Database) DeleteBlock(ctx context.Context, hash storage.Hash) error {
	if err := db.index.Delete(ctx, hash); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if db.cache != nil {
		db.cache.Remove(hash)
	}

	db.evHandler("database: DeleteBlock: hash[%s]", hash)

	return nil
}

// LatestIndexed returns the largest hash held by the index.
func (db *Database) LatestIndexed(ctx context.Context) (storage.Hash, bool, error) {
	hash, found, err := db.index.Latest(ctx)
	if err != nil {
		return storage.ZeroHash, false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return hash, found, nil
}

// ChainTip returns the hash of the most recently added block.
func (db *Database) ChainTip() storage.Hash {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.tip
}

// ForEach returns an iterator to walk through all the blocks starting with
// the first block written.
func (db *Database) ForEach() (*DatabaseIterator, error) {
	iter, err := db.files.ForEach()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return &DatabaseIterator{iterator: iter}, nil
}

// Files returns the names of the block files in the order they were written.
func (db *Database) Files() ([]string, error) {
	names, err := db.files.Files()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return names, nil
}

// =============================================================================

// recoverTip returns the hash of the last record written that is also in
// the index. A record without an index entry was cut off between the append
// and the index write and never became the tip.
func (db *Database) recoverTip(ctx context.Context) (storage.Hash, error) {
	names, err := db.files.Files()
	if err != nil {
		return storage.ZeroHash, fmt.Errorf("%w: %w", ErrIO, err)
	}

	for i := len(names) - 1; i >= 0; i-- {
		tip := storage.ZeroHash

		iter := db.files.ForEachFile(names[i])
		for data, err := iter.Next(); !iter.Done(); data, err = iter.Next() {
			if err != nil {
				return storage.ZeroHash, fmt.Errorf("%w: %w", ErrIO, err)
			}

			hash := storage.HashBytes(data)
			_, found, err := db.index.Get(ctx, hash)
			if err != nil {
				iter.Close()
				return storage.ZeroHash, fmt.Errorf("%w: %w", ErrIO, err)
			}

			if found {
				tip = hash
			}
		}

		if !tip.IsZero() {
			return tip, nil
		}
	}

	return storage.ZeroHash, nil
}
