// Package index maintains the durable mapping from a block hash to the
// location of the encoded block inside the block files.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
	"golang.org/x/sync/semaphore"
)

// defaultWorkers is the number of store calls allowed in flight at once when
// no value is configured.
const defaultWorkers = 4

// bloomBitsPerKey sizes the bloom filter used for point lookups.
const bloomBitsPerKey = 10

// Config represents the configuration required to open the index.
type Config struct {
	Path    string // Directory of the store, empty for an in memory store.
	Workers int    // Maximum number of store calls in flight.
}

// Index provides access to the hash to location mapping. Every store call
// is bounded by a semaphore. Reads release the caller when its context is
// done. Writes honour the context only until the store call starts and then
// always report the outcome of the call.
type Index struct {
	db  *leveldb.DB
	sem *semaphore.Weighted
}

// New opens or creates the index at the configured path.
func New(cfg Config) (*Index, error) {
	o := opt.Options{
		Compression: opt.SnappyCompression,
		Filter:      filter.NewBloomFilter(bloomBitsPerKey),
	}

	var db *leveldb.DB
	var err error

	switch cfg.Path {
	case "":
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), &o)
	default:
		db, err = leveldb.OpenFile(cfg.Path, &o)
	}

	if err != nil {
		return nil, fmt.Errorf("opening index at %q: %w", cfg.Path, err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	idx := Index{
		db:  db,
		sem: semaphore.NewWeighted(int64(workers)),
	}

	return &idx, nil
}

// Close releases the store. Calls still waiting for a worker are not
// cancelled.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Put records the location of the block with the specified hash.
func (idx *Index) Put(ctx context.Context, hash storage.Hash, loc storage.BlockLocation) error {
	value, err := rlp.EncodeToBytes(loc)
	if err != nil {
		return err
	}

	return idx.write(ctx, func() error {
		return idx.db.Put(hash[:], value, &opt.WriteOptions{Sync: true})
	})
}

// Get returns the location of the block with the specified hash. A miss is
// reported as false with no error.
func (idx *Index) Get(ctx context.Context, hash storage.Hash) (storage.BlockLocation, bool, error) {
	var value []byte
	var found bool

	err := idx.do(ctx, func() error {
		v, err := idx.db.Get(hash[:], nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		value, found = v, true
		return nil
	})

	if err != nil || !found {
		return storage.BlockLocation{}, false, err
	}

	var loc storage.BlockLocation
	if err := rlp.DecodeBytes(value, &loc); err != nil {
		return storage.BlockLocation{}, false, err
	}

	return loc, true, nil
}

// Delete removes the location of the block with the specified hash.
func (idx *Index) Delete(ctx context.Context, hash storage.Hash) error {
	return idx.write(ctx, func() error {
		return idx.db.Delete(hash[:], &opt.WriteOptions{Sync: true})
	})
}

// Latest returns the largest hash held by the index. Keys are ordered by
// their bytes, not by when they were written.
func (idx *Index) Latest(ctx context.Context) (storage.Hash, bool, error) {
	var hash storage.Hash
	var found bool

	err := idx.do(ctx, func() error {
		iter := idx.db.NewIterator(nil, nil)
		defer iter.Release()

		if iter.Last() {
			hash = storage.BytesToHash(iter.Key())
			found = true
		}

		return iter.Error()
	})

	if err != nil {
		return storage.ZeroHash, false, err
	}

	return hash, found, nil
}

// Count returns the number of entries held by the index.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int

	err := idx.do(ctx, func() error {
		iter := idx.db.NewIterator(nil, nil)
		defer iter.Release()

		for iter.Next() {
			n++
		}

		return iter.Error()
	})

	if err != nil {
		return 0, err
	}

	return n, nil
}

// =============================================================================

// do runs the read on a worker goroutine. The caller is released as soon
// as the context is done even if the store call is still running.
func (idx *Index) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := idx.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	result := make(chan error, 1)

	go func() {
		defer idx.sem.Release(1)
		result <- fn()
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write runs the store mutation once a worker is free. After the mutation
// starts the context is no longer checked and the result of the store call
// is returned.
func (idx *Index) write(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := idx.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer idx.sem.Release(1)

	return fn()
}
