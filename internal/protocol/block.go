package protocol

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

type BlockHash [32]byte

// ConsensusBlock is the ordered transaction batch handed to the engine by the
// block-production layer. Ordering within the batch is authoritative.
type ConsensusBlock struct {
	Height       uint64        `json:"height"`
	Timestamp    uint64        `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// ExecutedBlock is the engine's hash-linked record of one processed block:
// what was applied, the resulting per-shard state roots, and whether the
// block triggered an expansion.
type ExecutedBlock struct {
	Height             uint64        `json:"height"`
	PrevHash           BlockHash     `json:"prev_hash"`
	Timestamp          uint64        `json:"timestamp"`
	StateRoots         []common.Hash `json:"state_roots"`
	Applied            int           `json:"applied"`
	Rejected           int           `json:"rejected"`
	ShardCount         int           `json:"shard_count"`
	ExpansionTriggered bool          `json:"expansion_triggered"`
}

func (b *ExecutedBlock) Hash() BlockHash {
	data, _ := json.Marshal(b)
	return sha256.Sum256(data)
}
