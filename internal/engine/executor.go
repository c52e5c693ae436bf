package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/router"
)

// executeBatch partitions a block's ordered batch by shard, runs local
// partitions concurrently (one worker per shard) and cross-shard
// transactions strictly after every local partition has committed, so a
// cross-shard transfer never observes stale intra-shard state from its own
// block. Failure isolation is per transaction, never per batch: one shard's
// rejection rolls back nothing elsewhere.
func (e *Engine) executeBatch(ctx context.Context, height uint64, batch []protocol.Transaction) *protocol.BlockResult {
	count := e.ShardCount()
	result := &protocol.BlockResult{Height: height}

	// Order within the batch is authoritative: results are merged back by
	// original index.
	slots := make([]protocol.TxResult, len(batch))
	local := make(map[int][]int)            // shard id -> batch indexes
	cross := make(map[common.Address][]int) // sender -> batch indexes

	for i := range batch {
		tx := &batch[i]
		slots[i].TxID = tx.ID

		if tx.Amount == nil {
			slots[i].Kind = protocol.KindInvalidTransaction
			slots[i].Error = "missing amount"
			continue
		}
		if err := e.verifier.Verify(tx); err != nil {
			slots[i].Kind = protocol.ErrorKind(err)
			slots[i].Error = err.Error()
			continue
		}

		if router.IsLocal(tx.From, tx.To, count) {
			sid := router.Route(tx.From, count)
			local[sid] = append(local[sid], i)
		} else {
			cross[tx.From] = append(cross[tx.From], i)
		}
	}

	// Phase 1: local partitions, one worker per shard.
	var wg sync.WaitGroup
	for sid, indexes := range local {
		wg.Add(1)
		go func(sid int, indexes []int) {
			defer wg.Done()
			store := e.store(sid)
			for _, i := range indexes {
				tx := &batch[i]
				receipt, err := store.Apply(tx)
				slots[i] = e.txResult(tx, receipt, err)
			}
		}(sid, indexes)
	}
	wg.Wait()

	// Phase 2: cross-shard transactions, after all local commits. Grouped by
	// sender so one account's transfers keep their batch order; the sender
	// holds at most one reservation at a time, so running its transactions
	// concurrently would race on the nonce.
	g, gctx := errgroup.WithContext(ctx)
	for _, indexes := range cross {
		g.Go(func() error {
			for _, i := range indexes {
				tx := &batch[i]
				receipt, err := e.xshard.Execute(gctx, tx)
				slots[i] = e.txResult(tx, receipt, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("Engine: cross-shard phase of block %d: %v", height, err)
	}

	for i := range slots {
		switch {
		case slots[i].Receipt != nil:
			result.Applied++
		case slots[i].Deferred:
			result.Deferred++
		default:
			result.Rejected++
		}
	}
	result.Results = slots
	return result
}

// txResult converts an apply outcome into a TxResult, re-queuing liveness
// faults (migrating or unavailable shards) for the next block instead of
// rejecting them.
func (e *Engine) txResult(tx *protocol.Transaction, receipt *protocol.Receipt, err error) protocol.TxResult {
	res := protocol.TxResult{TxID: tx.ID}
	if err == nil {
		e.receipts.AddReceipt(receipt)
		res.Receipt = receipt
		return res
	}

	res.Kind = protocol.ErrorKind(err)
	res.Error = err.Error()
	if errors.Is(err, protocol.ErrMigrationInProgress) || errors.Is(err, protocol.ErrShardUnavailable) {
		e.deferTx(*tx.DeepCopy())
		res.Deferred = true
		res.Error = fmt.Sprintf("%s (queued for next block)", err)
	}
	return res
}
