package database_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/xtalchain/xtal/foundation/blockchain/database"
	"github.com/xtalchain/xtal/foundation/blockchain/database/blockfile"
	"github.com/xtalchain/xtal/foundation/blockchain/database/index"
	"github.com/xtalchain/xtal/foundation/blockchain/difficulty"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// newBlock constructs a block whose single transaction carries a payload
// that does not compress well.
func newBlock(parent storage.Hash, number uint64) storage.Block {
	payload := storage.HashBytes([]byte(fmt.Sprintf("payload-%d", number)))

	tx := storage.Tx{
		ID:        fmt.Sprintf("tx-%08d", number),
		Data:      payload.Bytes(),
		TimeStamp: 1700000000 + number,
	}

	block := storage.NewBlock(parent, number, difficulty.GenesisBits, storage.ZeroHash, []storage.Tx{tx})
	block.Header.TimeStamp = 1700000000 + number

	return block
}

// failingIndex wraps an index and fails every Put once armed.
type failingIndex struct {
	*index.Index
	fail bool
}

func (fi *failingIndex) Put(ctx context.Context, hash storage.Hash, loc storage.BlockLocation) error {
	if fi.fail {
		return errors.New("index unavailable")
	}
	return fi.Index.Put(ctx, hash, loc)
}

// lateIndex wraps an index and, once armed, stores the entry only after the
// caller's context is done and still reports the context error.
type lateIndex struct {
	*index.Index
	late bool
}

func (li *lateIndex) Put(ctx context.Context, hash storage.Hash, loc storage.BlockLocation) error {
	if !li.late {
		return li.Index.Put(ctx, hash, loc)
	}

	<-ctx.Done()
	if err := li.Index.Put(context.Background(), hash, loc); err != nil {
		return err
	}
	return ctx.Err()
}

// =============================================================================

func TestRoundTrip(t *testing.T) {
	type table struct {
		name      string
		cacheSize int
	}

	tt := []table{
		{name: "nocache", cacheSize: 0},
		{name: "cache", cacheSize: 8},
	}

	t.Log("Given the need to store and retrieve blocks by hash.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling blocks with %s.", testID, tst.name)
			{
				f := func(t *testing.T) {
					ctx := context.Background()

					cfg := database.Config{
						Files:     blockfile.Config{Dir: t.TempDir(), MaxFileSize: 1 << 20},
						CacheSize: tst.cacheSize,
					}

					db, err := database.New(ctx, cfg)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
					}
					defer db.Close()

					if !db.ChainTip().IsZero() {
						t.Fatalf("\t%s\tTest %d:\tShould start with the zero hash as the chain tip.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould start with the zero hash as the chain tip.", success, testID)

					block := newBlock(storage.ZeroHash, 1)

					hash, err := db.AddBlock(ctx, block)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to add a block: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to add a block.", success, testID)

					exp, _ := block.Hash()
					if hash != exp || db.ChainTip() != hash {
						t.Fatalf("\t%s\tTest %d:\tShould move the chain tip to the block hash.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould move the chain tip to the block hash.", success, testID)

					got, found, err := db.GetBlock(ctx, hash)
					if err != nil || !found {
						t.Fatalf("\t%s\tTest %d:\tShould be able to get the block back: %v", failed, testID, err)
					}
					if !reflect.DeepEqual(got, block) {
						t.Logf("\t%s\tTest %d:\tgot: %+v", failed, testID, got)
						t.Logf("\t%s\tTest %d:\texp: %+v", failed, testID, block)
						t.Fatalf("\t%s\tTest %d:\tShould get back the same block.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the same block.", success, testID)

					_, found, err = db.GetBlock(ctx, storage.HashBytes([]byte("unknown")))
					if err != nil || found {
						t.Fatalf("\t%s\tTest %d:\tShould report an unknown hash as not found: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould report an unknown hash as not found.", success, testID)

					if err := db.DeleteBlock(ctx, hash); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to delete the block: %v", failed, testID, err)
					}

					_, found, err = db.GetBlock(ctx, hash)
					if err != nil || found {
						t.Fatalf("\t%s\tTest %d:\tShould not find a deleted block: %v", failed, testID, err)
					}
					if db.ChainTip() != hash {
						t.Fatalf("\t%s\tTest %d:\tShould leave the chain tip alone on delete.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould not find a deleted block.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func TestRotation(t *testing.T) {
	t.Log("Given the need to spread blocks across block files.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen adding blocks with a 100 byte file limit.", testID)
		{
			ctx := context.Background()

			cfg := database.Config{
				Files: blockfile.Config{Dir: t.TempDir(), MaxFileSize: 100, Compression: blockfile.CompressionSnappy},
			}

			db, err := database.New(ctx, cfg)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
			}
			defer db.Close()

			var hashes []storage.Hash
			var blocks []storage.Block
			parent := storage.ZeroHash
			for i := range 3 {
				block := newBlock(parent, uint64(i+1))

				hash, err := db.AddBlock(ctx, block)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to add block %d: %v", failed, testID, i, err)
				}

				hashes = append(hashes, hash)
				blocks = append(blocks, block)
				parent = hash
			}
			t.Logf("\t%s\tTest %d:\tShould be able to add blocks.", success, testID)

			files, err := db.Files()
			if err != nil || len(files) < 2 {
				t.Fatalf("\t%s\tTest %d:\tShould rotate into more than one file: %v", failed, testID, files)
			}
			t.Logf("\t%s\tTest %d:\tShould rotate into more than one file.", success, testID)

			for i, hash := range hashes {
				got, found, err := db.GetBlock(ctx, hash)
				if err != nil || !found || !reflect.DeepEqual(got, blocks[i]) {
					t.Fatalf("\t%s\tTest %d:\tShould read block %d back from its file: %v", failed, testID, i, err)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould read every block back from its file.", success, testID)

			iter, err := db.ForEach()
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to iterate: %v", failed, testID, err)
			}

			var n uint64
			for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to iterate: %v", failed, testID, err)
				}
				n++
				if block.Header.Number != n {
					t.Fatalf("\t%s\tTest %d:\tShould iterate blocks in order, got %d.", failed, testID, block.Header.Number)
				}
			}
			if n != 3 {
				t.Fatalf("\t%s\tTest %d:\tShould iterate every block, got %d.", failed, testID, n)
			}
			t.Logf("\t%s\tTest %d:\tShould iterate blocks in the order written.", success, testID)
		}
	}
}

func TestPartialFailure(t *testing.T) {
	t.Log("Given the need to keep the chain tip consistent with storage.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the index write fails after the block is appended.", testID)
		{
			ctx := context.Background()

			idx, err := index.New(index.Config{})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the index: %v", failed, testID, err)
			}
			fi := failingIndex{Index: idx}

			cfg := database.Config{
				Files:   blockfile.Config{Dir: t.TempDir(), MaxFileSize: 1 << 20},
				Indexer: &fi,
			}

			db, err := database.New(ctx, cfg)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
			}
			defer db.Close()

			first, err := db.AddBlock(ctx, newBlock(storage.ZeroHash, 1))
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to add a block: %v", failed, testID, err)
			}

			fi.fail = true

			_, err = db.AddBlock(ctx, newBlock(first, 2))
			if !errors.Is(err, database.ErrIO) {
				t.Fatalf("\t%s\tTest %d:\tShould report an i/o failure: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould report an i/o failure.", success, testID)

			if db.ChainTip() != first {
				t.Fatalf("\t%s\tTest %d:\tShould not move the chain tip.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould not move the chain tip.", success, testID)
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen the caller's context is already cancelled.", testID)
		{
			db, err := database.New(context.Background(), database.Config{
				Files: blockfile.Config{Dir: t.TempDir(), MaxFileSize: 1 << 20},
			})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
			}
			defer db.Close()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err = db.AddBlock(ctx, newBlock(storage.ZeroHash, 1))
			if !errors.Is(err, database.ErrIO) || !errors.Is(err, context.Canceled) {
				t.Fatalf("\t%s\tTest %d:\tShould report the cancellation as an i/o failure: %v", failed, testID, err)
			}
			if !db.ChainTip().IsZero() {
				t.Fatalf("\t%s\tTest %d:\tShould not move the chain tip.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould report the cancellation and not move the chain tip.", success, testID)
		}
	}
}

func TestTimeoutWhileIndexing(t *testing.T) {
	t.Log("Given the need to keep a failed block out of the chain after a restart.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the context expires while the index entry is written.", testID)
		{
			ctx := context.Background()

			cfg := database.Config{
				Files: blockfile.Config{Dir: t.TempDir(), MaxFileSize: 1 << 20},
				Index: index.Config{Path: t.TempDir()},
			}

			idx, err := index.New(cfg.Index)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the index: %v", failed, testID, err)
			}
			li := lateIndex{Index: idx}

			lateCfg := cfg
			lateCfg.Indexer = &li

			db, err := database.New(ctx, lateCfg)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
			}

			first, err := db.AddBlock(ctx, newBlock(storage.ZeroHash, 1))
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to add a block: %v", failed, testID, err)
			}

			li.late = true

			block := newBlock(first, 2)
			data, _ := block.Encode()
			hash := storage.HashBytes(data)

			tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()

			if _, err := db.AddBlock(tctx, block); !errors.Is(err, database.ErrIO) || !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("\t%s\tTest %d:\tShould report the timeout as an i/o failure: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould report the timeout as an i/o failure.", success, testID)

			if db.ChainTip() != first {
				t.Fatalf("\t%s\tTest %d:\tShould not move the chain tip.", failed, testID)
			}
			if _, found, err := db.GetBlock(ctx, hash); err != nil || found {
				t.Fatalf("\t%s\tTest %d:\tShould not find the failed block: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould leave no trace of the failed block.", success, testID)

			if err := db.Close(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to close the database: %v", failed, testID, err)
			}

			db, err = database.New(ctx, cfg)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to reopen the database: %v", failed, testID, err)
			}
			defer db.Close()

			if db.ChainTip() != first {
				t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, db.ChainTip())
				t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, first)
				t.Fatalf("\t%s\tTest %d:\tShould recover the last block that was accepted.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould recover the last block that was accepted.", success, testID)
		}
	}
}

func TestRecovery(t *testing.T) {
	t.Log("Given the need to recover the chain tip after a restart.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen reopening a database with stored blocks.", testID)
		{
			ctx := context.Background()

			cfg := database.Config{
				Files: blockfile.Config{Dir: t.TempDir(), MaxFileSize: 150},
				Index: index.Config{Path: t.TempDir()},
			}

			db, err := database.New(ctx, cfg)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
			}

			parent := storage.ZeroHash
			for i := range 4 {
				parent, err = db.AddBlock(ctx, newBlock(parent, uint64(i+1)))
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to add block %d: %v", failed, testID, i, err)
				}
			}
			tip := parent

			if err := db.Close(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to close the database: %v", failed, testID, err)
			}

			// Write a record behind the database's back so it has no index
			// entry, the same state a crash between the two writes leaves.
			files, err := blockfile.New(cfg.Files)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the block files: %v", failed, testID, err)
			}
			orphan, _ := newBlock(tip, 5).Encode()
			if _, err := files.Append(orphan); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to append an orphan record: %v", failed, testID, err)
			}

			db, err = database.New(ctx, cfg)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to reopen the database: %v", failed, testID, err)
			}
			defer db.Close()

			if db.ChainTip() != tip {
				t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, db.ChainTip())
				t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, tip)
				t.Fatalf("\t%s\tTest %d:\tShould recover the last indexed block as the chain tip.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould recover the last indexed block as the chain tip.", success, testID)

			block, found, err := db.GetBlock(ctx, tip)
			if err != nil || !found || block.Header.Number != 4 {
				t.Fatalf("\t%s\tTest %d:\tShould read the tip block after a restart: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould read the tip block after a restart.", success, testID)
		}
	}
}
