// End-to-end scenarios across the engine, WAL recovery, and expansion.
package test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynashard/dynashard/config"
	"github.com/dynashard/dynashard/internal/engine"
	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/router"
)

func durableConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ShardCount = 2
	cfg.MaxShards = 8
	cfg.WALDir = t.TempDir()
	return cfg
}

func deterministicAddr(i uint64) common.Address {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], i)
	return common.BytesToAddress(crypto.Keccak256(seed[:])[:20])
}

func TestLifecycleWithRecovery(t *testing.T) {
	cfg := durableConfig(t)
	e, err := engine.New(cfg, nil)
	require.NoError(t, err)

	// Fund a population of accounts and run mixed blocks of local and
	// cross-shard transfers.
	const accounts = 20
	addrs := make([]common.Address, accounts)
	total := new(uint256.Int)
	for i := range addrs {
		addrs[i] = deterministicAddr(uint64(i))
		_, err := e.Faucet(addrs[i], uint256.NewInt(1000))
		require.NoError(t, err)
		total.AddUint64(total, 1000)
	}

	nonces := make(map[common.Address]uint64)
	height := uint64(0)
	for b := 0; b < 3; b++ {
		var txs []protocol.Transaction
		for i := 0; i < accounts; i++ {
			from := addrs[i]
			to := addrs[(i+b+1)%accounts]
			if from == to {
				continue
			}
			txs = append(txs, protocol.Transaction{
				From: from, To: to, Amount: uint256.NewInt(uint64(b + 1)), Nonce: nonces[from],
			})
			nonces[from]++
		}
		height++
		result, err := e.ProcessBlock(context.Background(), height, txs)
		require.NoError(t, err)
		assert.Equal(t, len(txs), result.Applied, "block %d", height)
		assert.Zero(t, result.Rejected)
	}

	// Expand mid-stream, then keep processing under the new routing.
	event, err := e.Expand(height)
	require.NoError(t, err)
	assert.Equal(t, 4, event.NewShardCount)
	require.Equal(t, 4, e.ShardCount())

	var txs []protocol.Transaction
	for i := 0; i < accounts; i++ {
		from := addrs[i]
		to := addrs[(i+5)%accounts]
		txs = append(txs, protocol.Transaction{
			From: from, To: to, Amount: uint256.NewInt(7), Nonce: nonces[from],
		})
		nonces[from]++
	}
	height++
	result, err := e.ProcessBlock(context.Background(), height, txs)
	require.NoError(t, err)
	assert.Equal(t, len(txs), result.Applied)

	// Snapshot expectations, checkpoint, and shut down.
	type snap struct {
		balance *uint256.Int
		nonce   uint64
	}
	expect := make(map[common.Address]snap)
	for _, addr := range addrs {
		bal, nonce, _ := e.GetBalance(addr)
		expect[addr] = snap{balance: bal, nonce: nonce}
	}
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	// A fresh engine over the same WAL directory recovers everything: shard
	// count, balances, nonces, and the expansion history.
	recovered, err := engine.New(cfg, nil)
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(t, 4, recovered.ShardCount())
	history := recovered.ExpansionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, event.ID, history[0].ID)

	recoveredTotal := new(uint256.Int)
	for _, addr := range addrs {
		bal, nonce, sid := recovered.GetBalance(addr)
		want := expect[addr]
		assert.Equal(t, want.balance, bal, "balance of %s", addr.Hex())
		assert.Equal(t, want.nonce, nonce, "nonce of %s", addr.Hex())
		assert.Equal(t, router.Route(addr, 4), sid)
		recoveredTotal.Add(recoveredTotal, bal)
	}
	assert.Equal(t, total, recoveredTotal, "recovery conserves the balance sum")

	// The recovered engine keeps processing where the old one stopped.
	from := addrs[0]
	_, err = recovered.ProcessBlock(context.Background(), 1, []protocol.Transaction{
		{From: from, To: addrs[1], Amount: uint256.NewInt(1), Nonce: nonces[from]},
	})
	require.NoError(t, err)
}

func TestRecoveryWithoutCheckpoint(t *testing.T) {
	cfg := durableConfig(t)
	e, err := engine.New(cfg, nil)
	require.NoError(t, err)

	a := deterministicAddr(1)
	b := deterministicAddr(2)
	_, err = e.Faucet(a, uint256.NewInt(500))
	require.NoError(t, err)
	_, err = e.ProcessBlock(context.Background(), 1, []protocol.Transaction{
		{From: a, To: b, Amount: uint256.NewInt(200), Nonce: 0},
	})
	require.NoError(t, err)
	require.NoError(t, e.Close()) // no checkpoint: recovery replays raw records

	recovered, err := engine.New(cfg, nil)
	require.NoError(t, err)
	defer recovered.Close()

	balA, nonceA, _ := recovered.GetBalance(a)
	assert.Equal(t, uint256.NewInt(300), balA)
	assert.Equal(t, uint64(1), nonceA)
	balB, _, _ := recovered.GetBalance(b)
	assert.Equal(t, uint256.NewInt(200), balB)
}

func TestStateRootsStableAcrossRecovery(t *testing.T) {
	cfg := durableConfig(t)
	e, err := engine.New(cfg, nil)
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		_, err := e.Faucet(deterministicAddr(i), uint256.NewInt(100+i))
		require.NoError(t, err)
	}
	roots := make([]common.Hash, cfg.ShardCount)
	for sid := range roots {
		roots[sid], err = e.StateRoot(sid)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	recovered, err := engine.New(cfg, nil)
	require.NoError(t, err)
	defer recovered.Close()
	for sid, want := range roots {
		got, err := recovered.StateRoot(sid)
		require.NoError(t, err)
		assert.Equal(t, want, got, "shard %d root drifted across recovery", sid)
	}
}

func TestHeavyLoadExpandsAutomatically(t *testing.T) {
	cfg := durableConfig(t)
	cfg.PerShardCapacity = 5
	cfg.ExpansionThreshold = 0.8

	e, err := engine.New(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	for i := uint64(0); i < 10; i++ {
		_, err := e.Faucet(deterministicAddr(i), uint256.NewInt(1000))
		require.NoError(t, err)
	}

	nonces := make(map[common.Address]uint64)
	height := uint64(0)
	for e.ShardCount() == 2 && height < 10 {
		var txs []protocol.Transaction
		for i := uint64(0); i < 10; i++ {
			from := deterministicAddr(i)
			txs = append(txs, protocol.Transaction{
				From: from, To: deterministicAddr(i + 10), Amount: uint256.NewInt(1), Nonce: nonces[from],
			})
			nonces[from]++
		}
		height++
		_, err := e.ProcessBlock(context.Background(), height, txs)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, e.ShardCount(), "sustained load past the threshold doubles the shard count")
	require.NotEmpty(t, e.ExpansionHistory())
}
