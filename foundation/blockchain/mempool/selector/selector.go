// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"
	"sort"

	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// List of different select strategies.
const (
	StrategyQueue  = "queue"
	StrategyOldest = "oldest"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyQueue:  queueSelect,
	StrategyOldest: oldestSelect,
}

// Func defines a function that takes the pooled transactions in the order
// they were admitted and selects howMany of them in an order based on the
// functions strategy. Receiving -1 for howMany must return all the
// transactions in the strategies ordering.
type Func func(transactions []storage.Tx, howMany int) []storage.Tx

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// queueSelect returns the transactions in the order they were admitted.
var queueSelect = func(transactions []storage.Tx, howMany int) []storage.Tx {
	return limit(transactions, howMany)
}

// oldestSelect returns the transactions with the oldest timestamps first.
// Transactions sharing a timestamp keep the order they were admitted.
var oldestSelect = func(transactions []storage.Tx, howMany int) []storage.Tx {
	txs := make([]storage.Tx, len(transactions))
	copy(txs, transactions)

	sort.Stable(byTimeStamp(txs))

	return limit(txs, howMany)
}

// limit returns the first howMany transactions, or all of them for -1.
func limit(transactions []storage.Tx, howMany int) []storage.Tx {
	if howMany < 0 || howMany > len(transactions) {
		howMany = len(transactions)
	}

	final := make([]storage.Tx, howMany)
	copy(final, transactions)

	return final
}

// =============================================================================

// byTimeStamp provides sorting support by the transaction timestamp value.
type byTimeStamp []storage.Tx

// Len returns the number of transactions in the list.
func (bt byTimeStamp) Len() int {
	return len(bt)
}

// Less helps to sort the list by timestamp in ascending order to pick the
// transactions that have waited the longest.
func (bt byTimeStamp) Less(i, j int) bool {
	return bt[i].TimeStamp < bt[j].TimeStamp
}

// Swap moves transactions in the order of the timestamp value.
func (bt byTimeStamp) Swap(i, j int) {
	bt[i], bt[j] = bt[j], bt[i]
}
