package shard

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/wal"
)

var (
	addrA = common.HexToAddress("0xaaaa")
	addrB = common.HexToAddress("0xbbbb")
	addrC = common.HexToAddress("0xcccc")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(0, wal.NewMemory())
}

func fund(t *testing.T, s *Store, addr common.Address, amount uint64) {
	t.Helper()
	_, err := s.Credit("genesis", addr, uint256.NewInt(amount))
	require.NoError(t, err)
}

func TestApplyLocalTransfer(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 1000)

	receipt, err := s.Apply(&protocol.Transaction{
		ID: "t1", From: addrA, To: addrB, Amount: uint256.NewInt(300), Nonce: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(700), receipt.FromBalance)
	assert.Equal(t, uint256.NewInt(300), receipt.ToBalance)
	assert.Equal(t, uint64(1), receipt.FromNonce)
	assert.Equal(t, protocol.TxCommitted, receipt.Status)

	bal, nonce, ok := s.Balance(addrA)
	require.True(t, ok)
	assert.Equal(t, uint256.NewInt(700), bal)
	assert.Equal(t, uint64(1), nonce)
}

func TestApplyRejections(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 100)

	tests := []struct {
		name string
		tx   *protocol.Transaction
		want error
	}{
		{"zero amount", &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(0)}, protocol.ErrInvalidTransaction},
		{"nil amount", &protocol.Transaction{From: addrA, To: addrB}, protocol.ErrInvalidTransaction},
		{"unknown sender", &protocol.Transaction{From: addrC, To: addrB, Amount: uint256.NewInt(1)}, protocol.ErrUnknownAccount},
		{"bad nonce", &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 5}, protocol.ErrNonceMismatch},
		{"overdraft", &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(101), Nonce: 0}, protocol.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Apply(tt.tx)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// No rejection mutated anything.
	bal, nonce, _ := s.Balance(addrA)
	assert.Equal(t, uint256.NewInt(100), bal)
	assert.Equal(t, uint64(0), nonce)
}

func TestTransferExactBalanceLeavesZeroAccount(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 50)

	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(50), Nonce: 0})
	require.NoError(t, err)

	// Zero balance is valid; the account survives with its nonce.
	bal, nonce, ok := s.Balance(addrA)
	require.True(t, ok)
	assert.True(t, bal.IsZero())
	assert.Equal(t, uint64(1), nonce)
}

func TestSelfTransfer(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 100)

	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrA, Amount: uint256.NewInt(40), Nonce: 0})
	require.NoError(t, err)

	bal, nonce, _ := s.Balance(addrA)
	assert.Equal(t, uint256.NewInt(100), bal)
	assert.Equal(t, uint64(1), nonce)
}

func TestPrepareReservesWithoutDebiting(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 1000)

	tx := &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(600), Nonce: 0}
	require.NoError(t, s.Prepare("x1", tx))

	// Reservation is invisible to balance queries.
	bal, _, _ := s.Balance(addrA)
	assert.Equal(t, uint256.NewInt(1000), bal)

	// But it shrinks the available balance for further debits.
	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(500), Nonce: 0})
	require.ErrorIs(t, err, protocol.ErrInsufficientBalance)

	// A second prepare for the same sender is refused until the first resolves.
	err = s.Prepare("x2", &protocol.Transaction{From: addrA, To: addrC, Amount: uint256.NewInt(100), Nonce: 0})
	require.ErrorIs(t, err, protocol.ErrNonceMismatch)
}

func TestAbortReleasesReservation(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 1000)

	require.NoError(t, s.Prepare("x1", &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(600), Nonce: 0}))
	require.True(t, s.Abort("x1"))
	require.False(t, s.Abort("x1")) // already released

	// Full balance is available again, nonce unchanged.
	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1000), Nonce: 0})
	require.NoError(t, err)
}

func TestCommitDebitConsumesReservation(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 1000)

	require.NoError(t, s.Prepare("x1", &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(300), Nonce: 0}))

	s.Lock()
	from, err := s.CommitDebitLocked("x1")
	s.Unlock()
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(700), from.Balance)
	assert.Equal(t, uint64(1), from.Nonce)

	s.Lock()
	_, err = s.CommitDebitLocked("x1")
	s.Unlock()
	require.Error(t, err, "reservation is single-use")
}

func TestCreditCreatesAccountOnFirstUse(t *testing.T) {
	s := newTestStore(t)
	require.False(t, s.Has(addrB))

	s.Lock()
	acct, err := s.CreditLocked("x1", addrB, uint256.NewInt(25))
	s.Unlock()
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(25), acct.Balance)
	assert.Equal(t, uint64(0), acct.Nonce)
	require.True(t, s.Has(addrB))
}

func TestMigrationFreezesIntake(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 100)

	s.BeginMigration()
	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 0})
	require.ErrorIs(t, err, protocol.ErrMigrationInProgress)
	err = s.Prepare("x1", &protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 0})
	require.ErrorIs(t, err, protocol.ErrMigrationInProgress)

	s.EndMigration()
	_, err = s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 0})
	require.NoError(t, err)
}

func TestUnavailableShardRejects(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 100)

	s.SetAvailable(false)
	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 0})
	require.ErrorIs(t, err, protocol.ErrShardUnavailable)

	s.SetAvailable(true)
	_, err = s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 0})
	require.NoError(t, err)
}

func TestHaltedShardRejectsEverything(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 100)

	s.Halt("balance conservation violated")
	require.NotEmpty(t, s.Halted())

	_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: 0})
	require.ErrorIs(t, err, protocol.ErrShardUnavailable)
	_, err = s.Credit("faucet", addrB, uint256.NewInt(1))
	require.ErrorIs(t, err, protocol.ErrShardUnavailable)
}

func TestMoveOutThenMoveIn(t *testing.T) {
	src := newTestStore(t)
	dst := New(1, wal.NewMemory())
	fund(t, src, addrA, 500)
	_, err := src.Apply(&protocol.Transaction{From: addrA, To: addrA, Amount: uint256.NewInt(1), Nonce: 0})
	require.NoError(t, err)

	acct, ok := src.Peek(addrA)
	require.True(t, ok)
	require.NoError(t, dst.MoveIn(acct))
	_, err = src.MoveOut(addrA)
	require.NoError(t, err)

	require.False(t, src.Has(addrA))
	bal, nonce, ok := dst.Balance(addrA)
	require.True(t, ok)
	assert.Equal(t, uint256.NewInt(500), bal)
	assert.Equal(t, uint64(1), nonce, "nonce travels with the account")
}

func TestMoveOutUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MoveOut(addrA)
	require.Error(t, err)
}

func TestOpenReplaysWAL(t *testing.T) {
	walLog := wal.NewMemory()
	s := New(0, walLog)
	_, err := s.Credit("genesis", addrA, uint256.NewInt(1000))
	require.NoError(t, err)
	_, err = s.Apply(&protocol.Transaction{ID: "t1", From: addrA, To: addrB, Amount: uint256.NewInt(300), Nonce: 0})
	require.NoError(t, err)
	require.NoError(t, s.Prepare("x1", &protocol.Transaction{From: addrA, To: addrC, Amount: uint256.NewInt(100), Nonce: 1}))
	s.Lock()
	_, err = s.CommitDebitLocked("x1")
	s.Unlock()
	require.NoError(t, err)

	recovered, err := Open(0, walLog)
	require.NoError(t, err)

	balA, nonceA, _ := recovered.Balance(addrA)
	assert.Equal(t, uint256.NewInt(600), balA)
	assert.Equal(t, uint64(2), nonceA)
	balB, _, _ := recovered.Balance(addrB)
	assert.Equal(t, uint256.NewInt(300), balB)

	// Replay rebuilds from scratch, so a second recovery agrees exactly.
	again, err := Open(0, walLog)
	require.NoError(t, err)
	assert.Equal(t, recovered.TotalBalance(), again.TotalBalance())
	assert.Equal(t, recovered.Accounts(), again.Accounts())
}

func TestOpenReplaysFromCheckpoint(t *testing.T) {
	walLog := wal.NewMemory()
	s := New(0, walLog)
	_, err := s.Credit("genesis", addrA, uint256.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, s.Checkpoint())
	_, err = s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(250), Nonce: 0})
	require.NoError(t, err)

	recovered, err := Open(0, walLog)
	require.NoError(t, err)
	balA, _, _ := recovered.Balance(addrA)
	assert.Equal(t, uint256.NewInt(750), balA)
	balB, _, _ := recovered.Balance(addrB)
	assert.Equal(t, uint256.NewInt(250), balB)
}

func TestLoadWindow(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 1000)
	s.ResetLoadWindow() // funding counts as applied work

	for i := 0; i < 8; i++ {
		_, err := s.Apply(&protocol.Transaction{From: addrA, To: addrB, Amount: uint256.NewInt(1), Nonce: uint64(i)})
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.8, s.WindowLoad(10), 1e-9)

	s.ResetLoadWindow()
	assert.Zero(t, s.WindowLoad(10))
	st := s.Status(10)
	assert.Equal(t, uint64(9), st.AppliedCount, "total survives window reset")
}

func TestAccountsSnapshotIsDetached(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 100)

	snap := s.Accounts()
	require.Len(t, snap, 1)
	snap[0].Balance.SetUint64(0)

	bal, _, _ := s.Balance(addrA)
	assert.Equal(t, uint256.NewInt(100), bal)
}

func TestMisrouted(t *testing.T) {
	s := newTestStore(t)
	fund(t, s, addrA, 1)
	fund(t, s, addrB, 1)
	fund(t, s, addrC, 1)

	// Route addrB elsewhere, keep the rest.
	moved := s.Misrouted(func(addr common.Address) int {
		if addr == addrB {
			return 1
		}
		return 0
	})
	require.Len(t, moved, 1)
	assert.Equal(t, addrB, moved[0])
}

func TestVersionBumpsOnMutation(t *testing.T) {
	s := newTestStore(t)
	v0 := s.Version()
	fund(t, s, addrA, 100)
	v1 := s.Version()
	assert.Greater(t, v1, v0)

	s.Balance(addrA) // reads do not bump
	assert.Equal(t, v1, s.Version())
}

func TestConcurrentAppliesConserveBalance(t *testing.T) {
	s := newTestStore(t)
	const senders = 8
	total := new(uint256.Int)
	for i := 0; i < senders; i++ {
		addr := common.BytesToAddress([]byte(fmt.Sprintf("sender-%d", i)))
		fund(t, s, addr, 100)
		total.AddUint64(total, 100)
	}

	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		go func(i int) {
			addr := common.BytesToAddress([]byte(fmt.Sprintf("sender-%d", i)))
			for n := 0; n < 10; n++ {
				if _, err := s.Apply(&protocol.Transaction{From: addr, To: addrB, Amount: uint256.NewInt(1), Nonce: uint64(n)}); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < senders; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, total, s.TotalBalance())
}
