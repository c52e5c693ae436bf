package shard

import (
	"encoding/binary"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/dynashard/dynashard/internal/protocol"
)

// ProofService computes per-shard Merkle roots over account state for
// external verification. Read-only; it must not observe a shard
// mid-migration, so it refuses migrating shards outright.
//
// Roots are memoized keyed by (shard id, state version): repeated queries at
// a quiescent point hit the cache.
type ProofService struct {
	cache *fastcache.Cache
}

// DefaultProofCacheBytes bounds the memoized-root cache
const DefaultProofCacheBytes = 32 << 20

func NewProofService() *ProofService {
	return &ProofService{cache: fastcache.New(DefaultProofCacheBytes)}
}

// Root returns the Merkle root over the shard's (address, balance, nonce)
// triples, sorted by address.
func (p *ProofService) Root(s *Store) (common.Hash, error) {
	s.mu.RLock()
	if s.migrating {
		s.mu.RUnlock()
		return common.Hash{}, fmt.Errorf("%w: shard %d", protocol.ErrMigrationInProgress, s.id)
	}
	version := s.version
	s.mu.RUnlock()

	key := cacheKey(s.id, version)
	if data := p.cache.Get(nil, key); len(data) == common.HashLength {
		return common.BytesToHash(data), nil
	}

	// Accounts() re-acquires the read lock; the version check below catches a
	// mutation that slipped in between.
	accounts := s.Accounts()
	if s.Version() != version {
		return common.Hash{}, fmt.Errorf("%w: shard %d mutated during proof", protocol.ErrShardUnavailable, s.id)
	}

	root := AccountsRoot(accounts)
	p.cache.Set(key, root.Bytes())
	return root, nil
}

// AccountsRoot computes the Keccak-256 Merkle root over account leaves.
// Pairs hash together level by level; an odd node is hashed alone. An empty
// shard has the zero root.
func AccountsRoot(accounts []*protocol.Account) common.Hash {
	if len(accounts) == 0 {
		return common.Hash{}
	}

	level := make([]common.Hash, len(accounts))
	for i, acct := range accounts {
		level[i] = accountLeaf(acct)
	}

	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, keccak(level[i].Bytes(), level[i+1].Bytes()))
			} else {
				next = append(next, keccak(level[i].Bytes()))
			}
		}
		level = next
	}
	return level[0]
}

func accountLeaf(acct *protocol.Account) common.Hash {
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, acct.Nonce)
	return keccak(acct.Address.Bytes(), acct.Balance.PaddedBytes(32), nonce)
}

func keccak(chunks ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		h.Write(c)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

func cacheKey(shardID int, version uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(shardID))
	binary.BigEndian.PutUint64(key[8:], version)
	return key
}
