// Package worker implements the background maintenance for the node:
// expiring stale mempool items and assembling blocks from pending work.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/xtalchain/xtal/foundation/blockchain/state"
)

// acceptTimeout bounds how long one block write may hold the worker.
const acceptTimeout = 30 * time.Second

// defaultCleanupInterval is used when no cleanup interval is configured.
const defaultCleanupInterval = time.Minute

// Config represents the intervals the worker runs its operations on.
type Config struct {
	CleanupInterval time.Duration // How often expired mempool items are dropped.
	BlockInterval   time.Duration // How often a block is assembled, zero disables.
}

// =============================================================================

// Worker manages the background workflows for the blockchain.
type Worker struct {
	state     *state.State
	wg        sync.WaitGroup
	cleanup   *time.Ticker
	assemble  *time.Ticker
	shut      chan struct{}
	evHandler state.EventHandler
	nonce     uint64
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes.
func Run(st *state.State, cfg Config, evHandler state.EventHandler) *Worker {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	w := Worker{
		state:     st,
		cleanup:   time.NewTicker(cfg.CleanupInterval),
		shut:      make(chan struct{}),
		evHandler: evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Load the set of operations we need to run.
	operations := []func(){
		w.cleanupOperations,
	}

	if cfg.BlockInterval > 0 {
		w.assemble = time.NewTicker(cfg.BlockInterval)
		operations = append(operations, w.assembleOperations)
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for range g {
		<-hasStarted
	}

	return &w
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: stop tickers")
	w.cleanup.Stop()
	if w.assemble != nil {
		w.assemble.Stop()
	}

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// =============================================================================

// cleanupOperations drops expired mempool items on every tick.
func (w *Worker) cleanupOperations() {
	w.evHandler("worker: cleanupOperations: G started")
	defer w.evHandler("worker: cleanupOperations: G completed")

	for {
		select {
		case <-w.cleanup.C:
			if !w.isShutdown() {
				w.runCleanupOperation()
			}
		case <-w.shut:
			w.evHandler("worker: cleanupOperations: received shut signal")
			return
		}
	}
}

// runCleanupOperation asks the mempool to drop expired items.
func (w *Worker) runCleanupOperation() {
	n, err := w.state.CleanupMempool()
	if err != nil {
		w.evHandler("worker: runCleanupOperation: ERROR: %s", err)
		return
	}

	if n > 0 {
		w.evHandler("worker: runCleanupOperation: dropped[%d]", n)
	}
}

// assembleOperations builds and stores a block on every tick.
func (w *Worker) assembleOperations() {
	w.evHandler("worker: assembleOperations: G started")
	defer w.evHandler("worker: assembleOperations: G completed")

	for {
		select {
		case <-w.assemble.C:
			if !w.isShutdown() {
				w.runAssembleOperation()
			}
		case <-w.shut:
			w.evHandler("worker: assembleOperations: received shut signal")
			return
		}
	}
}

// runAssembleOperation takes the best transactions from the mempool and
// writes a new block to the database.
func (w *Worker) runAssembleOperation() {

	// Make sure there are transactions in the mempool.
	length := w.state.QueryMempoolLength()
	if length == 0 {
		return
	}

	w.evHandler("worker: runAssembleOperation: started: txs[%d]", length)
	defer w.evHandler("worker: runAssembleOperation: completed")

	w.nonce++
	block, err := w.state.AssembleBlock(w.nonce)
	if err != nil {
		w.evHandler("worker: runAssembleOperation: ERROR: %s", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()

	hash, err := w.state.AcceptBlock(ctx, block, nil)
	if err != nil {
		w.evHandler("worker: runAssembleOperation: ERROR: %s", err)
		return
	}

	w.evHandler("worker: runAssembleOperation: blk[%d]: hash[%s]", block.Header.Number, hash)
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
