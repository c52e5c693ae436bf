package engine

import (
	"log"
	"sync"

	"github.com/dynashard/dynashard/internal/protocol"
)

// BlockBuffer handles out-of-order consensus block delivery by buffering
// blocks that arrive ahead of sequence and releasing them when gaps fill.
// The engine itself insists on sequential heights; this buffer absorbs the
// transport's reordering in front of it.
type BlockBuffer struct {
	mu        sync.Mutex
	expected  uint64
	buffered  map[uint64]*protocol.ConsensusBlock
	maxBuffer int
}

// NewBlockBuffer creates a buffer expecting startHeight next. maxBuffer caps
// memory used by out-of-order blocks.
func NewBlockBuffer(startHeight uint64, maxBuffer int) *BlockBuffer {
	return &BlockBuffer{
		expected:  startHeight,
		buffered:  make(map[uint64]*protocol.ConsensusBlock),
		maxBuffer: maxBuffer,
	}
}

// Add accepts an incoming block and returns the blocks now ready to process
// in order. Returns nil if the block was buffered or ignored.
func (b *BlockBuffer) Add(block *protocol.ConsensusBlock) []*protocol.ConsensusBlock {
	b.mu.Lock()
	defer b.mu.Unlock()

	if block.Height == b.expected {
		result := []*protocol.ConsensusBlock{block}
		b.expected++
		for {
			next, ok := b.buffered[b.expected]
			if !ok {
				break
			}
			result = append(result, next)
			delete(b.buffered, b.expected)
			b.expected++
		}
		return result
	}

	if block.Height > b.expected {
		if len(b.buffered) >= b.maxBuffer {
			log.Printf("Engine: block buffer full (%d), dropping block %d (expected %d)",
				len(b.buffered), block.Height, b.expected)
			return nil
		}
		if _, exists := b.buffered[block.Height]; exists {
			return nil
		}
		b.buffered[block.Height] = block
		log.Printf("Engine: buffered out-of-order block %d (expected %d)", block.Height, b.expected)
		return nil
	}

	// Old or duplicate block.
	return nil
}

// Reset realigns the buffer after a processing failure: Add advances expected
// optimistically, so a block the ledger rejected must put the cursor back to
// the ledger's own next height. Buffered blocks below the cursor are dropped.
func (b *BlockBuffer) Reset(next uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expected = next
	for h := range b.buffered {
		if h < next {
			delete(b.buffered, h)
		}
	}
}

// Expected returns the next height the buffer will release
func (b *BlockBuffer) Expected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected
}

// BufferedCount returns the number of blocks waiting on a gap
func (b *BlockBuffer) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}
