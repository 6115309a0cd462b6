// Package slab implements a fixed-block memory pool. One contiguous region is
// carved into equally sized blocks and handed out one block per allocation.
package slab

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBlockTooLarge = errors.New("slab: requested size exceeds block size")
	ErrPoolExhausted = errors.New("slab: no free blocks")
)

// Block identifies one allocated block by its offset into the pool region
// and the number of bytes in use.
type Block struct {
	Offset int
	Len    int
}

// Allocator hands out fixed-size blocks from a single preallocated region.
// Allocation scans the used bitmap linearly, which is fine for the small
// pools a ring buffer needs.
type Allocator struct {
	mu          sync.Mutex
	memory      []byte
	used        []bool
	blockSize   int
	totalBlocks int
	usedBlocks  int
}

// New creates a pool of totalMemory/blockSize blocks.
func New(totalMemory, blockSize int) (*Allocator, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("slab: invalid block size %d", blockSize)
	}
	if totalMemory < blockSize {
		return nil, fmt.Errorf("slab: memory ceiling %d smaller than one block (%d)", totalMemory, blockSize)
	}
	totalBlocks := totalMemory / blockSize
	return &Allocator{
		memory:      make([]byte, totalBlocks*blockSize),
		used:        make([]bool, totalBlocks),
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
	}, nil
}

// Allocate claims the first free block for size bytes. It never blocks.
func (a *Allocator) Allocate(size int) (Block, error) {
	if size < 0 {
		return Block{}, fmt.Errorf("slab: negative size %d", size)
	}
	if size > a.blockSize {
		return Block{}, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, a.blockSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.totalBlocks {
		if !a.used[i] {
			a.used[i] = true
			a.usedBlocks++
			return Block{Offset: i * a.blockSize, Len: size}, nil
		}
	}
	return Block{}, ErrPoolExhausted
}

// Deallocate returns a block to the pool. Offsets outside the region, not
// block aligned, or already free are ignored.
func (a *Allocator) Deallocate(b Block) {
	if b.Offset < 0 || b.Offset >= len(a.memory) || b.Offset%a.blockSize != 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := b.Offset / a.blockSize
	if a.used[idx] {
		a.used[idx] = false
		a.usedBlocks--
	}
}

// Bytes returns the memory backing b. The slice capacity stops at the block
// boundary so appends cannot spill into the neighbouring block.
func (a *Allocator) Bytes(b Block) []byte {
	if b.Offset < 0 || b.Offset+a.blockSize > len(a.memory) || b.Len > a.blockSize {
		return nil
	}
	return a.memory[b.Offset : b.Offset+b.Len : b.Offset+a.blockSize]
}

func (a *Allocator) AvailableBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalBlocks - a.usedBlocks
}

func (a *Allocator) UsedBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedBlocks
}

func (a *Allocator) UsedMemory() int {
	return a.UsedBlocks() * a.blockSize
}

func (a *Allocator) TotalBlocks() int { return a.totalBlocks }
func (a *Allocator) BlockSize() int   { return a.blockSize }
func (a *Allocator) TotalMemory() int { return a.totalBlocks * a.blockSize }
