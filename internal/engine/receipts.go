package engine

import (
	"sync"

	"github.com/dynashard/dynashard/internal/protocol"
)

// ReceiptStore keeps transaction receipts for the query layer
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]*protocol.Receipt // txID -> receipt
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		receipts: make(map[string]*protocol.Receipt),
	}
}

func (s *ReceiptStore) AddReceipt(r *protocol.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Store a copy to avoid aliasing caller's data
	s.receipts[r.TxID] = r.DeepCopy()
}

func (s *ReceiptStore) GetReceipt(txID string) *protocol.Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.receipts[txID]
	if r == nil {
		return nil
	}
	return r.DeepCopy()
}

func (s *ReceiptStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts)
}
