// Package engine ties the sharded state stores together: it partitions block
// batches across shard workers, coordinates cross-shard commits, watches
// aggregate load and doubles the shard count when it is exceeded.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/dynashard/dynashard/config"
	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/router"
	"github.com/dynashard/dynashard/internal/shard"
	"github.com/dynashard/dynashard/internal/wal"
)

var (
	metaShardCountKey      = []byte("shard_count")
	metaEventsKey          = []byte("expansion_events")
	metaMigrationTargetKey = []byte("migration_target")
)

// Engine is the sharded transaction-processing core. One Engine instance
// owns the arena of shard stores; the only globally shared routing value is
// the current shard count, swapped atomically at the end of a migration.
type Engine struct {
	cfg      *config.Config
	verifier protocol.SignatureVerifier

	mu         sync.RWMutex // guards the shards slice
	shards     []*shard.Store
	shardCount atomic.Int64
	migrTarget atomic.Int64 // shard count an in-flight expansion is moving to, 0 when stable

	meta      ethdb.KeyValueStore
	proofs    *shard.ProofService
	expansion *ExpansionCoordinator
	xshard    *Coordinator
	ledger    *Ledger
	receipts  *ReceiptStore

	deferredMu sync.Mutex
	deferred   []protocol.Transaction // re-queued for the next block

	processMu sync.Mutex // one block at a time
	halted    atomic.Bool
}

// New builds an engine from config, recovering shard state from the WAL
// directory if one is configured (empty WALDir means in-memory, for tests).
func New(cfg *config.Config, verifier protocol.SignatureVerifier) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := router.ValidateShardCount(cfg.ShardCount); err != nil {
		return nil, err
	}
	if verifier == nil {
		verifier = protocol.AcceptAllVerifier{}
	}

	meta, err := openKV(cfg.WALDir, "meta")
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		verifier: verifier,
		meta:     meta,
		proofs:   shard.NewProofService(),
		ledger:   NewLedger(),
		receipts: NewReceiptStore(),
	}
	e.expansion = NewExpansionCoordinator(e)
	e.xshard = NewCoordinator(e, time.Duration(cfg.CrossShardTimeoutMs)*time.Millisecond)

	// The durable shard count wins over config: a recovered engine must route
	// the way it routed before the crash.
	count := cfg.ShardCount
	if data, err := meta.Get(metaShardCountKey); err == nil && len(data) == 8 {
		count = int(binary.BigEndian.Uint64(data))
	}

	// A durable migration marker means a crash interrupted an expansion after
	// some accounts had already moved to shards beyond the persisted count.
	// Recovery runs the migration forward: open the target number of shards so
	// their WALs replay, finish the half-done moves, then flip the count.
	target := count
	if data, err := meta.Get(metaMigrationTargetKey); err == nil && len(data) == 8 {
		if t := int(binary.BigEndian.Uint64(data)); t > count {
			target = t
		}
	}
	e.shardCount.Store(int64(count))

	for id := 0; id < target; id++ {
		store, err := e.openStore(id)
		if err != nil {
			return nil, err
		}
		e.shards = append(e.shards, store)
	}

	if target != count {
		log.Printf("Engine: finishing interrupted expansion %d -> %d", count, target)
		if err := e.reconcileOwnership(target); err != nil {
			return nil, err
		}
		if err := e.setShardCount(target); err != nil {
			return nil, err
		}
		if err := e.meta.Delete(metaMigrationTargetKey); err != nil {
			return nil, fmt.Errorf("clear migration marker: %w", err)
		}
	} else if err := e.reconcileOwnership(count); err != nil {
		return nil, err
	}
	if err := e.loadEvents(); err != nil {
		return nil, err
	}

	log.Printf("Engine: started with %d shards (max %d, threshold %.0f%%)",
		count, cfg.MaxShards, cfg.ExpansionThreshold*100)
	return e, nil
}

func openKV(dir, name string) (ethdb.KeyValueStore, error) {
	if dir == "" {
		return rawdb.NewMemoryDatabase(), nil
	}
	return leveldb.New(filepath.Join(dir, name), 128, 1024, "", false)
}

func (e *Engine) openStore(id int) (*shard.Store, error) {
	var walLog *wal.Log
	if e.cfg.WALDir == "" {
		walLog = wal.NewMemory()
	} else {
		var err error
		walLog, err = wal.OpenLevelDB(e.cfg.WALDir, id)
		if err != nil {
			return nil, err
		}
	}
	return shard.Open(id, walLog)
}

// reconcileOwnership completes account moves interrupted by a crash, routing
// under count. A move installs the account on its routed shard before
// removing it from the old one, so after a crash an address found on a
// non-routed shard either has a routed copy already (finish by removing the
// stale one) or has none yet (finish the move).
func (e *Engine) reconcileOwnership(count int) error {
	for _, store := range e.shards {
		routeFn := func(addr common.Address) int { return router.Route(addr, count) }
		for _, addr := range store.Misrouted(routeFn) {
			dest := e.shards[router.Route(addr, count)]
			if dest.Has(addr) {
				if _, err := store.MoveOut(addr); err != nil {
					return fmt.Errorf("reconcile %s: %w", addr.Hex(), err)
				}
				log.Printf("Engine: reconciled duplicate %s (kept shard %d)", addr.Hex(), dest.ID())
				continue
			}
			acct, ok := store.Peek(addr)
			if !ok {
				continue
			}
			if err := dest.MoveIn(acct); err != nil {
				return fmt.Errorf("reconcile %s: %w", addr.Hex(), err)
			}
			if _, err := store.MoveOut(addr); err != nil {
				return fmt.Errorf("reconcile %s: %w", addr.Hex(), err)
			}
			log.Printf("Engine: reconciled move of %s: shard %d -> %d", addr.Hex(), store.ID(), dest.ID())
		}
	}
	return nil
}

// ShardCount returns the current routing shard count
func (e *Engine) ShardCount() int {
	return int(e.shardCount.Load())
}

// route returns the shard index for addr under the current count
func (e *Engine) route(addr common.Address) int {
	return router.Route(addr, e.ShardCount())
}

// store returns the shard store for a shard index
func (e *Engine) store(id int) *shard.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shards[id]
}

// stores returns a snapshot of the shard arena
func (e *Engine) stores() []*shard.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*shard.Store, len(e.shards))
	copy(out, e.shards)
	return out
}

// ProcessBlock executes one consensus block: the ordered batch is partitioned
// by shard, local partitions run concurrently, cross-shard transactions run
// after every local partition has committed, and the expansion trigger is
// consulted once the batch is done. Heights must arrive in sequence.
func (e *Engine) ProcessBlock(ctx context.Context, height uint64, txs []protocol.Transaction) (*protocol.BlockResult, error) {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	if e.halted.Load() {
		return nil, fmt.Errorf("engine halted after invariant violation")
	}
	if expected := e.ledger.Height() + 1; height != expected {
		return nil, fmt.Errorf("out-of-sequence block %d (expected %d)", height, expected)
	}

	batch := e.takeDeferred()
	batch = append(batch, txs...)
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.New().String()
		}
	}

	started := time.Now()
	result := e.executeBatch(ctx, height, batch)
	elapsed := time.Since(started)
	if secs := elapsed.Seconds(); secs > 0 {
		result.TPS = float64(result.Applied) / secs
	}

	// Expansion check runs on the just-measured window, then the window resets.
	load := e.aggregateLoad()
	if e.expansion.ShouldExpand(load) {
		event, err := e.expansion.Expand(height)
		if err != nil {
			return nil, err
		}
		result.ExpansionTriggered = true
		log.Printf("Engine: block %d triggered expansion %d -> %d (%d accounts moved, load %.2f)",
			height, event.OldShardCount, event.NewShardCount, event.AccountsMigrated, load)
	}
	for _, store := range e.stores() {
		store.ResetLoadWindow()
	}

	e.appendLedgerBlock(height, result)
	return result, nil
}

// aggregateLoad is total applied work over theoretical capacity for the
// current window.
func (e *Engine) aggregateLoad() float64 {
	stores := e.stores()
	var sum float64
	for _, s := range stores {
		sum += s.WindowLoad(e.cfg.PerShardCapacity)
	}
	return sum / float64(len(stores))
}

func (e *Engine) takeDeferred() []protocol.Transaction {
	e.deferredMu.Lock()
	defer e.deferredMu.Unlock()
	batch := e.deferred
	e.deferred = nil
	return batch
}

func (e *Engine) deferTx(tx protocol.Transaction) {
	e.deferredMu.Lock()
	defer e.deferredMu.Unlock()
	e.deferred = append(e.deferred, tx)
}

// DeferredCount reports transactions queued for the next block
func (e *Engine) DeferredCount() int {
	e.deferredMu.Lock()
	defer e.deferredMu.Unlock()
	return len(e.deferred)
}

func (e *Engine) appendLedgerBlock(height uint64, result *protocol.BlockResult) {
	count := e.ShardCount()
	roots := make([]common.Hash, count)
	for id := 0; id < count; id++ {
		if root, err := e.proofs.Root(e.store(id)); err == nil {
			roots[id] = root
		}
	}
	e.ledger.Append(&protocol.ExecutedBlock{
		Height:             height,
		Timestamp:          uint64(time.Now().Unix()),
		StateRoots:         roots,
		Applied:            result.Applied,
		Rejected:           result.Rejected,
		ShardCount:         count,
		ExpansionTriggered: result.ExpansionTriggered,
	})
}

// haltAll stops every shard after an unrecoverable invariant violation
func (e *Engine) haltAll(reason string) {
	e.halted.Store(true)
	for _, store := range e.stores() {
		store.Halt(reason)
	}
}

// totalBalance sums balances over all shards (conservation checks)
func (e *Engine) totalBalance() *uint256.Int {
	total := new(uint256.Int)
	for _, store := range e.stores() {
		total.Add(total, store.TotalBalance())
	}
	return total
}

// setShardCount atomically swaps the routing shard count and persists it.
// This is the single instant a migration becomes visible to routing.
func (e *Engine) setShardCount(count int) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(count))
	if err := e.meta.Put(metaShardCountKey, data); err != nil {
		return fmt.Errorf("persist shard count: %w", err)
	}
	e.shardCount.Store(int64(count))
	return nil
}

// setMigrationTarget durably marks an expansion in flight, so a crash between
// the first account move and the count flip recovers forward to the target
// count instead of stranding moved accounts in unopened WALs.
func (e *Engine) setMigrationTarget(count int) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(count))
	if err := e.meta.Put(metaMigrationTargetKey, data); err != nil {
		return fmt.Errorf("persist migration target: %w", err)
	}
	e.migrTarget.Store(int64(count))
	return nil
}

func (e *Engine) clearMigrationTarget() error {
	e.migrTarget.Store(0)
	return e.meta.Delete(metaMigrationTargetKey)
}

func (e *Engine) loadEvents() error {
	data, err := e.meta.Get(metaEventsKey)
	if err != nil {
		return nil // no history yet
	}
	var events []protocol.ExpansionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("corrupt expansion history: %w", err)
	}
	e.expansion.restore(events)
	return nil
}

func (e *Engine) persistEvents(events []protocol.ExpansionEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return e.meta.Put(metaEventsKey, data)
}

// =============================================================================
// Read-only query surface (servable concurrently with block processing)
// =============================================================================

// GetBalance returns balance, nonce and owning shard for an address. Unknown
// addresses report a zero balance on their routed shard.
func (e *Engine) GetBalance(addr common.Address) (*uint256.Int, uint64, int) {
	sid := e.route(addr)
	if balance, nonce, ok := e.store(sid).Balance(addr); ok {
		return balance, nonce, sid
	}
	// During a migration an account may already have moved to its new shard
	// while the count still routes to the old one. Consult the target route so
	// queries never observe a moved account as empty.
	if target := int(e.migrTarget.Load()); target > e.ShardCount() {
		if nsid := router.Route(addr, target); nsid != sid {
			stores := e.stores()
			if nsid < len(stores) {
				if balance, nonce, ok := stores[nsid].Balance(addr); ok {
					return balance, nonce, nsid
				}
			}
		}
	}
	return new(uint256.Int), 0, sid
}

// ShardStatuses returns the per-shard view for the query layer
func (e *Engine) ShardStatuses() []protocol.ShardStatus {
	stores := e.stores()
	statuses := make([]protocol.ShardStatus, len(stores))
	for i, s := range stores {
		statuses[i] = s.Status(e.cfg.PerShardCapacity)
	}
	return statuses
}

// StateRoot computes (or serves from cache) the Merkle root of one shard
func (e *Engine) StateRoot(shardID int) (common.Hash, error) {
	if shardID < 0 || shardID >= e.ShardCount() {
		return common.Hash{}, fmt.Errorf("unknown shard %d", shardID)
	}
	return e.proofs.Root(e.store(shardID))
}

// Receipt returns the stored receipt for a transaction ID
func (e *Engine) Receipt(txID string) *protocol.Receipt {
	return e.receipts.GetReceipt(txID)
}

// ExpansionHistory returns the append-only expansion event history
func (e *Engine) ExpansionHistory() []protocol.ExpansionEvent {
	return e.expansion.History()
}

// Ledger exposes the executed-block record
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Faucet credits an address outside block processing (genesis/test funding)
func (e *Engine) Faucet(addr common.Address, amount *uint256.Int) (int, error) {
	// Serialized with block execution and expansion: a credit slipping between
	// the conservation sums of a migration would read as a supply violation.
	e.processMu.Lock()
	defer e.processMu.Unlock()
	sid := e.route(addr)
	if _, err := e.store(sid).Credit(uuid.New().String(), addr, amount); err != nil {
		return sid, err
	}
	return sid, nil
}

// Expand triggers an expansion regardless of load (operator surface)
func (e *Engine) Expand(height uint64) (*protocol.ExpansionEvent, error) {
	e.processMu.Lock()
	defer e.processMu.Unlock()
	if e.halted.Load() {
		return nil, fmt.Errorf("engine halted after invariant violation")
	}
	return e.expansion.Expand(height)
}

// SetShardAvailable flips one shard's liveness flag (fault injection)
func (e *Engine) SetShardAvailable(shardID int, ok bool) {
	e.store(shardID).SetAvailable(ok)
}

// Checkpoint snapshots every shard's WAL
func (e *Engine) Checkpoint() error {
	for _, store := range e.stores() {
		if err := store.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every shard WAL and the meta store
func (e *Engine) Close() error {
	var firstErr error
	for _, store := range e.stores() {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
