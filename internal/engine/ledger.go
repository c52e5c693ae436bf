package engine

import (
	"sync"
	"time"

	"github.com/dynashard/dynashard/internal/protocol"
)

// Ledger is the engine's hash-linked record of executed blocks. It is an
// audit surface, not consensus: block contents are decided upstream, the
// ledger only records what this engine did with them.
type Ledger struct {
	mu     sync.RWMutex
	blocks []*protocol.ExecutedBlock
	height uint64
}

func NewLedger() *Ledger {
	genesis := &protocol.ExecutedBlock{
		Height:    0,
		Timestamp: uint64(time.Now().Unix()),
	}
	return &Ledger{
		blocks: []*protocol.ExecutedBlock{genesis},
	}
}

// Append links and stores the next executed block summary
func (l *Ledger) Append(block *protocol.ExecutedBlock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block.PrevHash = l.blocks[l.height].Hash()
	l.blocks = append(l.blocks, block)
	l.height++
}

// Height returns the latest executed height
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// Get returns the executed block at a height, nil if not executed yet
func (l *Ledger) Get(height uint64) *protocol.ExecutedBlock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if height > l.height {
		return nil
	}
	return l.blocks[height]
}

// Latest returns the most recent executed block
func (l *Ledger) Latest() *protocol.ExecutedBlock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[l.height]
}
