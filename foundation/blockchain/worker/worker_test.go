package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/xtalchain/xtal/foundation/blockchain/database"
	"github.com/xtalchain/xtal/foundation/blockchain/database/blockfile"
	"github.com/xtalchain/xtal/foundation/blockchain/genesis"
	"github.com/xtalchain/xtal/foundation/blockchain/mempool"
	"github.com/xtalchain/xtal/foundation/blockchain/state"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
	"github.com/xtalchain/xtal/foundation/blockchain/worker"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestWorker(t *testing.T) {
	t.Log("Given the need to run node maintenance in the background.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the worker assembles blocks on a short interval.", testID)
		{
			ctx := context.Background()

			db, err := database.New(ctx, database.Config{
				Files: blockfile.Config{Dir: t.TempDir(), MaxFileSize: 1 << 20},
			})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open the database: %v", failed, testID, err)
			}

			mp, err := mempool.New(mempool.Config{SizeLimitMB: 1, TxTimeout: time.Hour, FruitTimeout: time.Hour})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to construct the mempool: %v", failed, testID, err)
			}

			st, err := state.New(ctx, state.Config{Genesis: genesis.Default(), Database: db, Mempool: mp})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to construct the state: %v", failed, testID, err)
			}

			ev := func(v string, args ...any) {
				t.Logf("\t\t"+v, args...)
			}

			worker.Run(st, worker.Config{CleanupInterval: time.Hour, BlockInterval: 10 * time.Millisecond}, ev)
			if st.Worker == nil {
				t.Fatalf("\t%s\tTest %d:\tShould register the worker with the state.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould register the worker with the state.", success, testID)

			if err := st.SubmitTransaction(storage.NewTx([]byte("work"))); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to submit a transaction: %v", failed, testID, err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for st.Height() == 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}

			if st.Height() != 1 || st.QueryMempoolLength() != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould store the pending transaction in a block.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould store the pending transaction in a block.", success, testID)

			if err := st.Shutdown(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould shut down cleanly: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould shut down cleanly.", success, testID)
		}
	}
}
