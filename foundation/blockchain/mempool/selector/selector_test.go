package selector_test

import (
	"testing"

	"github.com/xtalchain/xtal/foundation/blockchain/mempool/selector"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestSelect(t *testing.T) {
	tran := func(id string, ts uint64) storage.Tx {
		return storage.Tx{ID: id, TimeStamp: ts}
	}

	txs := []storage.Tx{
		tran("a", 30),
		tran("b", 10),
		tran("c", 20),
		tran("d", 10),
	}

	type test struct {
		name     string
		strategy string
		howMany  int
		best     []string
	}

	tt := []test{
		{name: "queue first two", strategy: selector.StrategyQueue, howMany: 2, best: []string{"a", "b"}},
		{name: "queue take all", strategy: selector.StrategyQueue, howMany: -1, best: []string{"a", "b", "c", "d"}},
		{name: "queue too many", strategy: selector.StrategyQueue, howMany: 15, best: []string{"a", "b", "c", "d"}},
		{name: "oldest first three", strategy: selector.StrategyOldest, howMany: 3, best: []string{"b", "d", "c"}},
		{name: "oldest take all", strategy: selector.StrategyOldest, howMany: -1, best: []string{"b", "d", "c", "a"}},
	}

	t.Log("Given the need to pick best transactions from mempool.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling a set of transaction.", testID)
			{
				f := func(t *testing.T) {
					selectFn, err := selector.Retrieve(tst.strategy)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to retrieve strategy: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to retrieve strategy.", success, testID)

					best := selectFn(txs, tst.howMany)
					if len(best) != len(tst.best) {
						t.Logf("\t%s\tTest %d:\tgot: %d", failed, testID, len(best))
						t.Logf("\t%s\tTest %d:\texp: %d", failed, testID, len(tst.best))
						t.Fatalf("\t%s\tTest %d:\tShould get back the right number of transactions.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right number of transactions.", success, testID)

					for i, tx := range best {
						if tx.ID != tst.best[i] {
							t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, tx.ID)
							t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, tst.best[i])
							t.Fatalf("\t%s\tTest %d:\tShould get back the right order.", failed, testID)
						}
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right order.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}

		if _, err := selector.Retrieve("tip"); err == nil {
			t.Fatalf("\t%s\tShould not find an unknown strategy.", failed)
		}
		t.Logf("\t%s\tShould not find an unknown strategy.", success)
	}
}
