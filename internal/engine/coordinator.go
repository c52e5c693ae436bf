package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/shard"
)

// Coordinator executes transactions whose source and destination route to
// different shards with a two-phase lock/commit protocol:
//
//	Prepare: validate and reserve the amount on the source shard. The
//	reservation is invisible to balance queries.
//	Commit:  lock both shards in canonical order (lower index first), debit
//	         the reservation and credit the destination under both locks.
//	Abort:   on a commit window timeout, drop the reservation and report
//	         CrossShardTimeout; the caller may resubmit.
//
// Canonical lock ordering makes this the only two-lock region in the system
// deadlock-free. This is also the sole operation that mutates two shards as
// one logical unit.
type Coordinator struct {
	engine        *Engine
	commitWindow  time.Duration
	retryInterval time.Duration
}

func NewCoordinator(e *Engine, commitWindow time.Duration) *Coordinator {
	if commitWindow <= 0 {
		commitWindow = 5 * time.Second
	}
	return &Coordinator{
		engine:        e,
		commitWindow:  commitWindow,
		retryInterval: 10 * time.Millisecond,
	}
}

// Execute runs one cross-shard transaction to completion or abort.
func (c *Coordinator) Execute(ctx context.Context, tx *protocol.Transaction) (*protocol.Receipt, error) {
	txID := uuid.New().String()
	fromShard := c.engine.route(tx.From)
	toShard := c.engine.route(tx.To)
	if fromShard == toShard {
		return nil, fmt.Errorf("%w: %s not cross-shard", protocol.ErrInvalidTransaction, tx.ID)
	}
	src := c.engine.store(fromShard)
	dst := c.engine.store(toShard)

	// Phase 1: prepare (reserve on the source shard).
	if err := src.Prepare(txID, tx); err != nil {
		return nil, err
	}

	// Phase 2: commit within a bounded window. The destination may be
	// mid-migration or recovering; retry until the window closes, then
	// reverse the reservation.
	ctx, cancel := context.WithTimeout(ctx, c.commitWindow)
	defer cancel()

	for {
		receipt, err := c.tryCommit(txID, tx, src, dst, fromShard, toShard)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, protocol.ErrShardUnavailable) && !errors.Is(err, protocol.ErrMigrationInProgress) {
			src.Abort(txID)
			return nil, err
		}

		select {
		case <-ctx.Done():
			src.Abort(txID)
			log.Printf("Engine: aborted cross-shard %s (shard %d -> %d): commit window expired",
				tx.ID, fromShard, toShard)
			return nil, fmt.Errorf("%w: destination shard %d (%v)", protocol.ErrCrossShardTimeout, toShard, err)
		case <-time.After(c.retryInterval):
		}
	}
}

// tryCommit locks both shards in canonical order and applies debit+credit as
// one unit. An observer holding either shard's read lock sees both sides or
// neither.
func (c *Coordinator) tryCommit(txID string, tx *protocol.Transaction, src, dst *shard.Store, fromShard, toShard int) (*protocol.Receipt, error) {
	first, second := src, dst
	if toShard < fromShard {
		first, second = dst, src
	}
	first.Lock()
	defer first.Unlock()
	second.Lock()
	defer second.Unlock()

	if err := dst.AcceptingLocked(); err != nil {
		return nil, err
	}

	fromAcct, err := src.CommitDebitLocked(txID)
	if err != nil {
		return nil, err
	}
	toAcct, err := dst.CreditLocked(txID, tx.To, tx.Amount)
	if err != nil {
		// The WAL refused the credit after the debit was logged; state on the
		// two shards no longer sums. Halt rather than continue corrupted.
		c.engine.haltAll(fmt.Sprintf("cross-shard %s: credit failed after debit: %v", txID, err))
		return nil, err
	}

	return &protocol.Receipt{
		TxID:        tx.ID,
		TxHash:      tx.SigHash(),
		From:        tx.From,
		To:          tx.To,
		Amount:      new(uint256.Int).Set(tx.Amount),
		FromBalance: fromAcct.Balance,
		ToBalance:   toAcct.Balance,
		FromNonce:   fromAcct.Nonce,
		FromShard:   fromShard,
		ToShard:     toShard,
		CrossShard:  true,
		Status:      protocol.TxCommitted,
	}, nil
}
