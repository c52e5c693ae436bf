// Package router maps account addresses to shard indexes.
//
// Routing is a pure function of (address, shard count): SHA-256 of the
// 20-byte address, first 8 bytes as a big-endian integer, reduced modulo the
// shard count. When the shard count changes a predictable fraction of
// addresses re-route; migration handles the moves, routing never tries to
// avoid them.
package router

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Route returns the shard index owning addr under shardCount shards.
// shardCount must be positive; a zero count is a programming error caught by
// ValidateShardCount at startup, not a runtime condition.
func Route(addr common.Address, shardCount int) int {
	hash := sha256.Sum256(addr.Bytes())
	v := binary.BigEndian.Uint64(hash[:8])
	return int(v % uint64(shardCount))
}

// IsLocal reports whether from and to route to the same shard.
func IsLocal(from, to common.Address, shardCount int) bool {
	return Route(from, shardCount) == Route(to, shardCount)
}

// ValidateShardCount is the startup invariant check for routing parameters.
func ValidateShardCount(shardCount int) error {
	if shardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	return nil
}
