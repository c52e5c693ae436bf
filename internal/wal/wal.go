// Package wal implements the per-shard write-ahead log.
//
// The contract with the rest of the engine is narrow: every applied
// transaction is durable before its receipt is returned, and replaying the
// log rebuilds shard state from the last checkpoint, so replay is idempotent
// (state is reconstructed from scratch each time, never applied on top of
// itself).
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/holiman/uint256"

	"github.com/dynashard/dynashard/internal/protocol"
)

// Record kinds. A moveOut/moveIn pair is the atomic unit of migration: a
// crash between the two is resolved at replay because the moved account's
// full record travels inside the moveIn.
const (
	RecordApply   = "apply"    // local transfer applied
	RecordDebit   = "debit"    // cross-shard commit, source side
	RecordCredit  = "credit"   // cross-shard commit, destination side
	RecordMoveOut = "move_out" // account migrated away from this shard
	RecordMoveIn  = "move_in"  // account migrated into this shard
)

// Record is one durable log entry
type Record struct {
	Seq     uint64         `json:"seq"`
	Kind    string         `json:"kind"`
	TxID    string         `json:"tx_id,omitempty"`
	From    common.Address `json:"from,omitempty"`
	To      common.Address `json:"to,omitempty"`
	Amount  *uint256.Int   `json:"amount,omitempty"`
	Nonce   uint64         `json:"nonce,omitempty"`   // moved account's nonce for moveIn
	Balance *uint256.Int   `json:"balance,omitempty"` // moved account's balance for moveIn
}

// Checkpoint is a full account snapshot; replay starts here
type Checkpoint struct {
	Seq      uint64              `json:"seq"`
	Accounts []*protocol.Account `json:"accounts"`
}

var (
	recordPrefix  = []byte("r")
	checkpointKey = []byte("ckpt")
	seqKey        = []byte("seq")
)

// Log is a single shard's append-only record of applied mutations
type Log struct {
	mu  sync.Mutex
	db  ethdb.KeyValueStore
	seq uint64
}

// OpenLevelDB opens (or creates) the durable log for one shard under dir.
func OpenLevelDB(dir string, shardID int) (*Log, error) {
	db, err := leveldb.New(filepath.Join(dir, strconv.Itoa(shardID)), 128, 1024, "", false)
	if err != nil {
		return nil, fmt.Errorf("open wal for shard %d: %w", shardID, err)
	}
	return newLog(db)
}

// NewMemory creates an in-memory log (for testing)
func NewMemory() *Log {
	l, err := newLog(rawdb.NewMemoryDatabase())
	if err != nil {
		panic(err) // memory db cannot fail to open
	}
	return l
}

func newLog(db ethdb.KeyValueStore) (*Log, error) {
	l := &Log{db: db}
	if data, err := db.Get(seqKey); err == nil && len(data) == 8 {
		l.seq = binary.BigEndian.Uint64(data)
	}
	return l, nil
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

// Append durably writes one record and returns its sequence number.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Seq = l.seq + 1
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal wal record: %w", err)
	}

	batch := l.db.NewBatch()
	if err := batch.Put(recordKey(rec.Seq), data); err != nil {
		return 0, err
	}
	seqData := make([]byte, 8)
	binary.BigEndian.PutUint64(seqData, rec.Seq)
	if err := batch.Put(seqKey, seqData); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("append wal record %d: %w", rec.Seq, err)
	}

	l.seq = rec.Seq
	return rec.Seq, nil
}

// WriteCheckpoint snapshots the full account table at the current sequence
// and prunes records the snapshot makes redundant.
func (l *Log) WriteCheckpoint(accounts []*protocol.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ckpt := Checkpoint{Seq: l.seq, Accounts: accounts}
	data, err := json.Marshal(&ckpt)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := l.db.Put(checkpointKey, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	// Records at or below the checkpoint sequence are no longer needed.
	batch := l.db.NewBatch()
	for seq := uint64(1); seq <= ckpt.Seq; seq++ {
		if err := batch.Delete(recordKey(seq)); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Replay streams the last checkpoint (if any) and every record after it, in
// sequence order. Missing sequence numbers below the head are records pruned
// by a checkpoint and are skipped.
func (l *Log) Replay(onCheckpoint func(*Checkpoint) error, onRecord func(*Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := uint64(1)
	if data, err := l.db.Get(checkpointKey); err == nil {
		var ckpt Checkpoint
		if err := json.Unmarshal(data, &ckpt); err != nil {
			return fmt.Errorf("corrupt checkpoint: %w", err)
		}
		if err := onCheckpoint(&ckpt); err != nil {
			return err
		}
		start = ckpt.Seq + 1
	}

	for seq := start; seq <= l.seq; seq++ {
		data, err := l.db.Get(recordKey(seq))
		if err != nil {
			continue // pruned
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("corrupt wal record %d: %w", seq, err)
		}
		if err := onRecord(&rec); err != nil {
			return err
		}
	}
	return nil
}

// LastSeq returns the sequence number of the most recent record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) Close() error {
	return l.db.Close()
}
