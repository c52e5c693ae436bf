package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/router"
)

// ExpansionState is the coordinator's lifecycle: Stable -> Migrating -> Stable
type ExpansionState string

const (
	StateStable    ExpansionState = "stable"
	StateMigrating ExpansionState = "migrating"
)

// ExpansionCoordinator doubles the shard count when aggregate load crosses
// the configured threshold and migrates every re-routed account to its new
// shard. Migration is idempotent (expanding at the cap succeeds moving
// nothing) and lossless (the balance sum is verified before the new count
// becomes visible).
type ExpansionCoordinator struct {
	mu     sync.Mutex
	state  ExpansionState
	engine *Engine
	events []protocol.ExpansionEvent
}

func NewExpansionCoordinator(e *Engine) *ExpansionCoordinator {
	return &ExpansionCoordinator{state: StateStable, engine: e}
}

// ShouldExpand fires when aggregate load reaches the threshold and the shard
// count has room to grow.
func (x *ExpansionCoordinator) ShouldExpand(load float64) bool {
	return load >= x.engine.cfg.ExpansionThreshold && x.engine.ShardCount() < x.engine.cfg.MaxShards
}

// State returns the coordinator state
func (x *ExpansionCoordinator) State() ExpansionState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// History returns a copy of the append-only event history
func (x *ExpansionCoordinator) History() []protocol.ExpansionEvent {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]protocol.ExpansionEvent(nil), x.events...)
}

func (x *ExpansionCoordinator) restore(events []protocol.ExpansionEvent) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = events
}

// Expand doubles the shard count (capped at max_shards) and migrates every
// account whose route changes. Calling it when the count is already at the
// cap is not an error: it returns success with zero accounts migrated.
func (x *ExpansionCoordinator) Expand(height uint64) (*protocol.ExpansionEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	oldCount := x.engine.ShardCount()
	newCount := oldCount * 2
	if newCount > x.engine.cfg.MaxShards {
		newCount = x.engine.cfg.MaxShards
	}

	event := &protocol.ExpansionEvent{
		ID:                uuid.New().String(),
		OldShardCount:     oldCount,
		NewShardCount:     newCount,
		TriggeredAtHeight: height,
		Timestamp:         uint64(time.Now().Unix()),
	}

	if newCount == oldCount {
		// Already at the maximum: success, nothing to move.
		log.Printf("Engine: expansion no-op at height %d (already at %d shards)", height, oldCount)
		return event, nil
	}

	x.state = StateMigrating
	defer func() { x.state = StateStable }()

	before := x.engine.totalBalance()

	// The durable marker goes down before any account moves. If we crash
	// mid-migration, recovery reads it, opens shards up to the target count and
	// runs the migration forward instead of orphaning moved accounts.
	if err := x.engine.setMigrationTarget(newCount); err != nil {
		return nil, err
	}

	// New shards come up frozen; they open for intake only after the count
	// flips.
	x.engine.mu.Lock()
	for id := oldCount; id < newCount; id++ {
		store, err := x.engine.openStore(id)
		if err != nil {
			x.engine.mu.Unlock()
			return nil, fmt.Errorf("open shard %d: %w", id, err)
		}
		store.BeginMigration()
		x.engine.shards = append(x.engine.shards, store)
	}
	x.engine.mu.Unlock()

	// Per-shard migration step: freeze one shard, move its re-routed
	// accounts (install on the destination before removing from the source,
	// the per-account atomic unit), unfreeze. Other shards keep processing.
	moved := 0
	routeFn := func(addr common.Address) int { return router.Route(addr, newCount) }
	for id := 0; id < oldCount; id++ {
		src := x.engine.store(id)
		src.BeginMigration()

		for _, addr := range src.Misrouted(routeFn) {
			acct, ok := src.Peek(addr)
			if !ok {
				continue
			}
			dst := x.engine.store(routeFn(addr))
			if err := dst.MoveIn(acct); err != nil {
				src.EndMigration()
				return nil, fmt.Errorf("migrate %s to shard %d: %w", addr.Hex(), dst.ID(), err)
			}
			if _, err := src.MoveOut(addr); err != nil {
				src.EndMigration()
				return nil, fmt.Errorf("migrate %s off shard %d: %w", addr.Hex(), id, err)
			}
			moved++
		}
		src.EndMigration()
	}

	// Losslessness gate before the new count becomes routable.
	after := x.engine.totalBalance()
	if !before.Eq(after) {
		reason := fmt.Sprintf("expansion %d->%d broke balance conservation: %s before, %s after",
			oldCount, newCount, before.Dec(), after.Dec())
		x.engine.haltAll(reason)
		return nil, fmt.Errorf("fatal: %s", reason)
	}

	// Atomic swap: all future routing decisions see the new count.
	if err := x.engine.setShardCount(newCount); err != nil {
		return nil, err
	}
	if err := x.engine.clearMigrationTarget(); err != nil {
		return nil, fmt.Errorf("clear migration marker: %w", err)
	}
	for id := oldCount; id < newCount; id++ {
		x.engine.store(id).EndMigration()
	}

	event.AccountsMigrated = moved
	x.events = append(x.events, *event)
	if err := x.engine.persistEvents(x.events); err != nil {
		return nil, fmt.Errorf("persist expansion event: %w", err)
	}

	log.Printf("Engine: expanded %d -> %d shards at height %d, migrated %d accounts",
		oldCount, newCount, height, moved)
	return event, nil
}
