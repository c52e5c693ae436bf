package shard

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LockManager tracks reserved funds for two-phase cross-shard transactions.
// A reservation reduces the account's available balance without touching the
// visible balance; the actual debit happens at commit, the reservation is
// simply dropped at abort.
type LockManager struct {
	mu     sync.RWMutex
	locked map[string]*LockedFunds // txID -> reserved funds
}

type LockedFunds struct {
	Address common.Address
	Amount  *uint256.Int
}

func NewLockManager() *LockManager {
	return &LockManager{
		locked: make(map[string]*LockedFunds),
	}
}

// Lock records reserved funds for a transaction
func (l *LockManager) Lock(txID string, addr common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked[txID] = &LockedFunds{
		Address: addr,
		Amount:  new(uint256.Int).Set(amount),
	}
}

// Get retrieves reserved funds for a transaction
func (l *LockManager) Get(txID string) (*LockedFunds, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lock, ok := l.locked[txID]
	return lock, ok
}

// Clear removes a reservation
func (l *LockManager) Clear(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, txID)
}

// AmountFor sums all reserved funds for an address
func (l *LockManager) AmountFor(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(uint256.Int)
	for _, lock := range l.locked {
		if lock.Address == addr {
			total.Add(total, lock.Amount)
		}
	}
	return total
}
