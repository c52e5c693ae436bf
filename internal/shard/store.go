// Package shard implements a single shard: its account table, fund
// reservations for cross-shard commits, write-ahead logging and Merkle state
// roots. A shard is the unit of parallelism; its worker owns the account
// table exclusively except during cross-shard commit and migration, both of
// which go through the store's own lock.
package shard

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/wal"
)

// Store owns one shard's account state
type Store struct {
	id    int
	mu    sync.RWMutex
	state map[common.Address]*protocol.Account
	locks *LockManager
	log   *wal.Log

	appliedTotal  uint64 // since genesis
	appliedWindow uint64 // since the last load-window reset
	version       uint64 // bumped on every state mutation

	available  bool
	migrating  bool
	haltReason string
}

// New creates an empty store backed by the given WAL.
func New(id int, walLog *wal.Log) *Store {
	return &Store{
		id:        id,
		state:     make(map[common.Address]*protocol.Account),
		locks:     NewLockManager(),
		log:       walLog,
		available: true,
	}
}

// Open creates a store and reconstructs its state by replaying the WAL from
// the last checkpoint. Replay rebuilds from scratch, so running it twice
// yields the same state.
func Open(id int, walLog *wal.Log) (*Store, error) {
	s := New(id, walLog)
	err := walLog.Replay(
		func(ckpt *wal.Checkpoint) error {
			for _, acct := range ckpt.Accounts {
				s.state[acct.Address] = acct.DeepCopy()
			}
			return nil
		},
		func(rec *wal.Record) error {
			return s.replayRecord(rec)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("shard %d wal replay: %w", id, err)
	}
	if n := walLog.LastSeq(); n > 0 {
		log.Printf("Shard %d: recovered %d accounts (wal seq %d)", id, len(s.state), n)
	}
	return s, nil
}

func (s *Store) replayRecord(rec *wal.Record) error {
	switch rec.Kind {
	case wal.RecordApply:
		from := s.state[rec.From]
		if from == nil {
			return fmt.Errorf("replay apply %s: sender %s missing", rec.TxID, rec.From.Hex())
		}
		from.Balance.Sub(from.Balance, rec.Amount)
		from.Nonce++
		s.creditLocked(rec.To, rec.Amount)
	case wal.RecordDebit:
		from := s.state[rec.From]
		if from == nil {
			return fmt.Errorf("replay debit %s: sender %s missing", rec.TxID, rec.From.Hex())
		}
		from.Balance.Sub(from.Balance, rec.Amount)
		from.Nonce++
	case wal.RecordCredit:
		s.creditLocked(rec.To, rec.Amount)
	case wal.RecordMoveOut:
		delete(s.state, rec.From)
	case wal.RecordMoveIn:
		s.state[rec.From] = &protocol.Account{
			Address: rec.From,
			Balance: new(uint256.Int).Set(rec.Balance),
			Nonce:   rec.Nonce,
		}
	default:
		return fmt.Errorf("unknown wal record kind %q", rec.Kind)
	}
	s.appliedTotal++
	s.version++
	return nil
}

// ID returns the shard index
func (s *Store) ID() int { return s.id }

// Apply executes one local transaction: validate, WAL-append, then mutate.
// No mutation happens on any error. The WAL record is durable before the
// receipt is returned.
func (s *Store) Apply(tx *protocol.Transaction) (*protocol.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return nil, err
	}
	if tx.Amount == nil || tx.Amount.IsZero() {
		return nil, fmt.Errorf("%w: zero amount", protocol.ErrInvalidTransaction)
	}

	from, ok := s.state[tx.From]
	if !ok {
		return nil, fmt.Errorf("%w: sender %s", protocol.ErrUnknownAccount, tx.From.Hex())
	}
	if tx.Nonce != from.Nonce {
		return nil, fmt.Errorf("%w: have %d, tx %d", protocol.ErrNonceMismatch, from.Nonce, tx.Nonce)
	}
	if !s.canDebitLocked(tx.From, tx.Amount) {
		return nil, fmt.Errorf("%w: %s has %s, needs %s",
			protocol.ErrInsufficientBalance, tx.From.Hex(), from.Balance.Dec(), tx.Amount.Dec())
	}

	if _, err := s.log.Append(&wal.Record{
		Kind:   wal.RecordApply,
		TxID:   tx.ID,
		From:   tx.From,
		To:     tx.To,
		Amount: new(uint256.Int).Set(tx.Amount),
		Nonce:  tx.Nonce,
	}); err != nil {
		return nil, fmt.Errorf("shard %d wal append: %w", s.id, err)
	}

	from.Balance.Sub(from.Balance, tx.Amount)
	from.Nonce++
	to := s.creditLocked(tx.To, tx.Amount)
	s.appliedTotal++
	s.appliedWindow++
	s.version++

	return &protocol.Receipt{
		TxID:        tx.ID,
		TxHash:      tx.SigHash(),
		From:        tx.From,
		To:          tx.To,
		Amount:      new(uint256.Int).Set(tx.Amount),
		FromBalance: new(uint256.Int).Set(from.Balance),
		ToBalance:   new(uint256.Int).Set(to.Balance),
		FromNonce:   from.Nonce,
		FromShard:   s.id,
		ToShard:     s.id,
		Status:      protocol.TxCommitted,
	}, nil
}

// creditLocked credits addr, creating the account on first credit.
func (s *Store) creditLocked(addr common.Address, amount *uint256.Int) *protocol.Account {
	acct, ok := s.state[addr]
	if !ok {
		acct = &protocol.Account{Address: addr, Balance: new(uint256.Int)}
		s.state[addr] = acct
	}
	acct.Balance.Add(acct.Balance, amount)
	return acct
}

// canDebitLocked checks the available balance: visible balance minus funds
// reserved by in-flight cross-shard prepares.
func (s *Store) canDebitLocked(addr common.Address, amount *uint256.Int) bool {
	acct, ok := s.state[addr]
	if !ok {
		return false
	}
	locked := s.locks.AmountFor(addr)
	if locked.Gt(acct.Balance) {
		return false
	}
	available := new(uint256.Int).Sub(acct.Balance, locked)
	return !available.Lt(amount)
}

func (s *Store) acceptingLocked() error {
	if s.haltReason != "" {
		return fmt.Errorf("%w: shard %d halted: %s", protocol.ErrShardUnavailable, s.id, s.haltReason)
	}
	if !s.available {
		return fmt.Errorf("%w: shard %d", protocol.ErrShardUnavailable, s.id)
	}
	if s.migrating {
		return fmt.Errorf("%w: shard %d", protocol.ErrMigrationInProgress, s.id)
	}
	return nil
}

// =============================================================================
// Two-phase commit participant operations
// =============================================================================

// Prepare validates and reserves funds for a cross-shard transaction. The
// reservation is not externally visible: balance queries still report the
// full balance until commit.
func (s *Store) Prepare(txID string, tx *protocol.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return err
	}
	if tx.Amount == nil || tx.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", protocol.ErrInvalidTransaction)
	}
	from, ok := s.state[tx.From]
	if !ok {
		return fmt.Errorf("%w: sender %s", protocol.ErrUnknownAccount, tx.From.Hex())
	}
	if tx.Nonce != from.Nonce {
		return fmt.Errorf("%w: have %d, tx %d", protocol.ErrNonceMismatch, from.Nonce, tx.Nonce)
	}
	// One in-flight reservation per sender: the nonce a concurrent prepare
	// would validate against is not committed yet.
	if !s.locks.AmountFor(tx.From).IsZero() {
		return fmt.Errorf("%w: pending cross-shard reservation for %s", protocol.ErrNonceMismatch, tx.From.Hex())
	}
	if !s.canDebitLocked(tx.From, tx.Amount) {
		return fmt.Errorf("%w: %s", protocol.ErrInsufficientBalance, tx.From.Hex())
	}

	s.locks.Lock(txID, tx.From, tx.Amount)
	return nil
}

// Lock acquires the shard's state lock. The cross-shard coordinator locks the
// two involved shards in canonical order (lower index first) before a commit;
// nothing else may take two shard locks at once.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the shard's state lock
func (s *Store) Unlock() { s.mu.Unlock() }

// AcceptingLocked reports whether the shard can take new work. Caller holds
// the lock via Lock.
func (s *Store) AcceptingLocked() error {
	return s.acceptingLocked()
}

// CommitDebitLocked finalizes the source side of a prepared cross-shard
// transaction: debit the reserved amount, bump the nonce, drop the
// reservation. Caller holds the lock via Lock. Returns the updated sender
// account.
func (s *Store) CommitDebitLocked(txID string) (*protocol.Account, error) {
	lock, ok := s.locks.Get(txID)
	if !ok {
		return nil, fmt.Errorf("commit %s: no reservation on shard %d", txID, s.id)
	}
	from, ok := s.state[lock.Address]
	if !ok {
		return nil, fmt.Errorf("commit %s: account %s missing on shard %d", txID, lock.Address.Hex(), s.id)
	}

	if _, err := s.log.Append(&wal.Record{
		Kind:   wal.RecordDebit,
		TxID:   txID,
		From:   lock.Address,
		Amount: new(uint256.Int).Set(lock.Amount),
	}); err != nil {
		return nil, fmt.Errorf("shard %d wal append: %w", s.id, err)
	}

	from.Balance.Sub(from.Balance, lock.Amount)
	from.Nonce++
	s.locks.Clear(txID)
	s.appliedTotal++
	s.appliedWindow++
	s.version++
	return from.DeepCopy(), nil
}

// CreditLocked finalizes the destination side: credit the recipient,
// creating the account on first credit. Caller holds the lock via Lock.
// Returns the updated recipient account.
func (s *Store) CreditLocked(txID string, addr common.Address, amount *uint256.Int) (*protocol.Account, error) {
	if _, err := s.log.Append(&wal.Record{
		Kind:   wal.RecordCredit,
		TxID:   txID,
		To:     addr,
		Amount: new(uint256.Int).Set(amount),
	}); err != nil {
		return nil, fmt.Errorf("shard %d wal append: %w", s.id, err)
	}
	acct := s.creditLocked(addr, amount)
	s.appliedTotal++
	s.appliedWindow++
	s.version++
	return acct.DeepCopy(), nil
}

// Credit credits addr outside a two-phase round (genesis funding, faucet)
func (s *Store) Credit(txID string, addr common.Address, amount *uint256.Int) (*protocol.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acceptingLocked(); err != nil {
		return nil, err
	}
	return s.CreditLocked(txID, addr, amount)
}

// ReservedNonceLocked returns the sender nonce a prepared transaction will consume
// (the current nonce; it is bumped at commit). Caller holds the lock.
func (s *Store) ReservedNonceLocked(txID string) (uint64, bool) {
	lock, ok := s.locks.Get(txID)
	if !ok {
		return 0, false
	}
	acct, ok := s.state[lock.Address]
	if !ok {
		return 0, false
	}
	return acct.Nonce, true
}

// Abort drops a reservation. Nothing was applied, so nothing is reversed
// beyond the reservation itself.
func (s *Store) Abort(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks.Get(txID)
	if ok {
		s.locks.Clear(txID)
	}
	return ok
}

// =============================================================================
// Migration
// =============================================================================

// BeginMigration freezes local transaction intake for this shard. Other
// shards keep processing until their own migration step.
func (s *Store) BeginMigration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrating = true
}

// EndMigration resumes intake
func (s *Store) EndMigration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrating = false
}

// Misrouted returns the addresses that no longer route to this shard under
// the new shard count.
func (s *Store) Misrouted(route func(common.Address) int) []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var addrs []common.Address
	for addr := range s.state {
		if route(addr) != s.id {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// MoveIn installs a migrated account record (full balance and nonce). The
// WAL record carries the whole account, making the moveIn/moveOut pair
// reconstructible from the destination alone after a crash.
func (s *Store) MoveIn(acct *protocol.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.log.Append(&wal.Record{
		Kind:    wal.RecordMoveIn,
		From:    acct.Address,
		Balance: new(uint256.Int).Set(acct.Balance),
		Nonce:   acct.Nonce,
	}); err != nil {
		return fmt.Errorf("shard %d wal append: %w", s.id, err)
	}
	s.state[acct.Address] = acct.DeepCopy()
	s.version++
	return nil
}

// MoveOut removes an account after it has been installed on its new shard,
// returning the removed record.
func (s *Store) MoveOut(addr common.Address) (*protocol.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.state[addr]
	if !ok {
		return nil, fmt.Errorf("move out: account %s not on shard %d", addr.Hex(), s.id)
	}
	if _, err := s.log.Append(&wal.Record{
		Kind: wal.RecordMoveOut,
		From: addr,
	}); err != nil {
		return nil, fmt.Errorf("shard %d wal append: %w", s.id, err)
	}
	delete(s.state, addr)
	s.version++
	return acct, nil
}

// =============================================================================
// Read-only queries and health
// =============================================================================

// Peek returns a deep copy of an account record
func (s *Store) Peek(addr common.Address) (*protocol.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.state[addr]
	if !ok {
		return nil, false
	}
	return acct.DeepCopy(), true
}

// Balance returns the visible balance and nonce for addr
func (s *Store) Balance(addr common.Address) (*uint256.Int, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.state[addr]
	if !ok {
		return new(uint256.Int), 0, false
	}
	return new(uint256.Int).Set(acct.Balance), acct.Nonce, true
}

// Has reports whether addr has an account on this shard
func (s *Store) Has(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state[addr]
	return ok
}

// Accounts returns a deep-copied snapshot of the account table, sorted by
// address for deterministic iteration.
func (s *Store) Accounts() []*protocol.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]*protocol.Account, 0, len(s.state))
	for _, acct := range s.state {
		accounts = append(accounts, acct.DeepCopy())
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address.Cmp(accounts[j].Address) < 0
	})
	return accounts
}

// TotalBalance sums all balances on this shard
func (s *Store) TotalBalance() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := new(uint256.Int)
	for _, acct := range s.state {
		total.Add(total, acct.Balance)
	}
	return total
}

// Status reports the shard's query-layer view
func (s *Store) Status(perShardCapacity int) protocol.ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.ShardStatus{
		ShardID:      s.id,
		AccountCount: len(s.state),
		AppliedCount: s.appliedTotal,
		Load:         float64(s.appliedWindow) / float64(perShardCapacity),
		Available:    s.available && s.haltReason == "",
		Migrating:    s.migrating,
	}
}

// WindowLoad returns applied-count over capacity for the current load window
func (s *Store) WindowLoad(perShardCapacity int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.appliedWindow) / float64(perShardCapacity)
}

// ResetLoadWindow starts a new load measurement window
func (s *Store) ResetLoadWindow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliedWindow = 0
}

// Version returns the state version, bumped on every mutation
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Migrating reports whether the shard is mid-migration
func (s *Store) Migrating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migrating
}

// SetAvailable flips the shard's liveness flag (crash/recovery simulation)
func (s *Store) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = ok
}

// Halt marks the shard as corrupted after an invariant violation. A halted
// shard rejects everything until manual intervention; silently continuing
// with corrupted state is the one unacceptable outcome.
func (s *Store) Halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltReason = reason
	log.Printf("Shard %d: HALTED: %s", s.id, reason)
}

// Halted returns the halt reason, empty if healthy
func (s *Store) Halted() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.haltReason
}

// Checkpoint persists a full snapshot to the WAL, pruning replayed records
func (s *Store) Checkpoint() error {
	return s.log.WriteCheckpoint(s.Accounts())
}

// Close releases the WAL
func (s *Store) Close() error {
	return s.log.Close()
}
