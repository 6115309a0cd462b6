// Package ringbuffer stores downloaded media chunks in a fixed number of slots
// backed by a slab allocator. When every slot is taken the oldest chunk is
// evicted to admit the new one; producers are never blocked.
package ringbuffer

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tanq16/reelfetch/internal/slab"
	"github.com/tanq16/reelfetch/internal/utils"
)

var (
	ErrInvalidCapacity = errors.New("ringbuffer: capacity must be positive")
	ErrEmptyChunk      = errors.New("ringbuffer: chunk has no data")
)

type Config struct {
	MaxChunks        int
	MaxMemoryBytes   int
	ChunkSize        int // slab block size; the largest chunk that can be stored
	EnablePreloading bool
	PreloadCount     int
}

// PreloadFunc is called when a consumer asks for upcoming sequences to be
// fetched ahead of playback.
type PreloadFunc func(fromSequence, count int)

type Buffer struct {
	mu      sync.Mutex
	slots   []*Chunk
	head    int
	tail    int
	size    int
	full    bool
	nextID  uint32
	pool    *slab.Allocator
	cfg     Config
	preload PreloadFunc
	log     zerolog.Logger

	bytesWritten  atomic.Uint64
	chunksWritten atomic.Uint64
	bytesRead     atomic.Uint64
	chunksRead    atomic.Uint64
}

func New(cfg Config) (*Buffer, error) {
	if cfg.MaxChunks <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = utils.DefaultChunkSize
	}
	pool, err := slab.New(cfg.MaxMemoryBytes, cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("creating memory pool: %w", err)
	}
	b := &Buffer{
		slots: make([]*Chunk, cfg.MaxChunks),
		pool:  pool,
		cfg:   cfg,
		log:   utils.GetLogger("ringbuffer"),
	}
	b.log.Debug().Int("capacity", cfg.MaxChunks).Int("blocks", pool.TotalBlocks()).Int("blockSize", pool.BlockSize()).Msg("Ring buffer initialized")
	return b, nil
}

// Add copies data straight into a free slab block and stores it in the head
// slot. A full buffer first gives up its oldest chunk. On error nothing was
// stored.
func (b *Buffer) Add(data []byte, meta Meta) (*Chunk, error) {
	if len(data) == 0 {
		return nil, ErrEmptyChunk
	}
	if len(data) > b.pool.BlockSize() {
		return nil, fmt.Errorf("%w: %d > %d", slab.ErrBlockTooLarge, len(data), b.pool.BlockSize())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		b.evictTailLocked()
	}
	block, err := b.pool.Allocate(len(data))
	if err != nil {
		b.log.Warn().Err(err).Int("sequence", meta.Sequence).Int("size", len(data)).Msg("Failed to allocate block for chunk")
		return nil, err
	}
	view := b.pool.Bytes(block)
	copy(view, data)
	c := &Chunk{
		ID:         b.nextID,
		Sequence:   meta.Sequence,
		Timestamp:  meta.Timestamp,
		Width:      meta.Width,
		Height:     meta.Height,
		Duration:   meta.Duration,
		Keyframe:   meta.Keyframe,
		RetryCount: meta.RetryCount,
		Downloaded: true,
		block:      block,
		data:       view,
	}
	b.nextID++
	b.slots[b.head] = c
	b.head = (b.head + 1) % len(b.slots)
	b.size++
	if b.size == len(b.slots) {
		b.full = true
	}
	b.bytesWritten.Add(uint64(len(data)))
	b.chunksWritten.Add(1)
	return c, nil
}

func (b *Buffer) evictTailLocked() {
	if b.size == 0 {
		return
	}
	if c := b.slots[b.tail]; c != nil {
		b.pool.Deallocate(c.block)
		b.slots[b.tail] = nil
	}
	b.tail = (b.tail + 1) % len(b.slots)
	b.size--
	b.full = false
}

func (b *Buffer) recordRead(c *Chunk) *Chunk {
	b.bytesRead.Add(uint64(c.Size()))
	b.chunksRead.Add(1)
	return c
}

// Get returns the chunk in slot index, or nil when the slot is empty.
func (b *Buffer) Get(index int) *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.slots) {
		return nil
	}
	c := b.slots[index]
	if c == nil || c.Size() == 0 {
		return nil
	}
	return b.recordRead(c)
}

// GetByID returns the live chunk carrying id, or nil.
func (b *Buffer) GetByID(id uint32) *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.size {
		c := b.slots[(b.tail+i)%len(b.slots)]
		if c != nil && c.ID == id {
			return b.recordRead(c)
		}
	}
	return nil
}

// Next scans from the oldest chunk and returns the first one whose sequence
// is greater than afterSeq. Storage order is completion order, so the result
// is not necessarily afterSeq+1.
func (b *Buffer) Next(afterSeq int) *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.size {
		c := b.slots[(b.tail+i)%len(b.slots)]
		if c != nil && c.Sequence > afterSeq {
			return b.recordRead(c)
		}
	}
	return nil
}

// FindSequence returns the oldest stored chunk with exactly sequence seq.
func (b *Buffer) FindSequence(seq int) *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.size {
		c := b.slots[(b.tail+i)%len(b.slots)]
		if c != nil && c.Sequence == seq {
			return b.recordRead(c)
		}
	}
	return nil
}

// ReadSequence runs fn on the oldest stored chunk with sequence seq while
// holding the buffer lock, so the chunk cannot be evicted and its block
// cannot be reused until fn returns. fn must not call back into the buffer.
// Reports whether the sequence was found.
func (b *Buffer) ReadSequence(seq int, fn func(*Chunk) error) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.size {
		c := b.slots[(b.tail+i)%len(b.slots)]
		if c != nil && c.Sequence == seq {
			return true, fn(b.recordRead(c))
		}
	}
	return false, nil
}

// Clear frees every stored chunk. Safe to call on an empty buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.slots {
		if c != nil {
			b.pool.Deallocate(c.block)
			b.slots[i] = nil
		}
	}
	b.head, b.tail, b.size = 0, 0, 0
	b.full = false
}

// Resize changes the slot count. Shrinking below the current occupancy
// evicts the oldest chunks; survivors are repacked in FIFO order from slot 0.
func (b *Buffer) Resize(newCapacity int) error {
	if newCapacity <= 0 {
		return ErrInvalidCapacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for b.size > newCapacity {
		b.evictTailLocked()
		evicted++
	}
	slots := make([]*Chunk, newCapacity)
	for i := range b.size {
		slots[i] = b.slots[(b.tail+i)%len(b.slots)]
	}
	b.repackLocked(slots, b.size)
	b.log.Debug().Int("capacity", newCapacity).Int("evicted", evicted).Msg("Ring buffer resized")
	return nil
}

func (b *Buffer) repackLocked(slots []*Chunk, size int) {
	b.slots = slots
	b.size = size
	b.tail = 0
	b.head = size % len(slots)
	b.full = size == len(slots)
}

// OptimizeMemory runs when fewer than a quarter of the pool blocks are free.
// It evicts up to a quarter of the capacity in non-keyframe chunks, oldest
// first, so keyframes stay available for seeking. Returns the number evicted.
func (b *Buffer) OptimizeMemory() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool.AvailableBlocks()*4 >= b.pool.TotalBlocks() {
		return 0
	}
	limit := max(1, len(b.slots)/4)
	survivors := make([]*Chunk, len(b.slots))
	kept, removed := 0, 0
	for i := range b.size {
		c := b.slots[(b.tail+i)%len(b.slots)]
		if c == nil {
			continue
		}
		if !c.Keyframe && removed < limit {
			b.pool.Deallocate(c.block)
			removed++
			continue
		}
		survivors[kept] = c
		kept++
	}
	if removed == 0 {
		return 0
	}
	b.repackLocked(survivors, kept)
	b.log.Info().Int("removed", removed).Int("remaining", kept).Msg("Optimized memory by evicting non-keyframe chunks")
	return removed
}

// IsValid reports whether slot index holds a non-empty chunk.
func (b *Buffer) IsValid(index int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.slots) {
		return false
	}
	c := b.slots[index]
	return c != nil && c.Size() > 0
}

// PreloadNext forwards a prefetch request to the registered PreloadFunc.
// The buffer itself never triggers downloads.
func (b *Buffer) PreloadNext(fromSequence, count int) {
	b.mu.Lock()
	enabled, fn := b.cfg.EnablePreloading, b.preload
	if count <= 0 {
		count = b.cfg.PreloadCount
	}
	b.mu.Unlock()
	if !enabled {
		return
	}
	b.log.Debug().Int("from", fromSequence).Int("count", count).Msg("Preload requested")
	if fn != nil {
		fn(fromSequence, count)
	}
}

func (b *Buffer) SetPreloadFunc(fn PreloadFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preload = fn
}

func (b *Buffer) SetPreloading(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.EnablePreloading = enabled
}

// All yields (slot index, chunk) pairs oldest first. It iterates over a
// snapshot taken when iteration starts.
func (b *Buffer) All() iter.Seq2[int, *Chunk] {
	return func(yield func(int, *Chunk) bool) {
		type entry struct {
			index int
			chunk *Chunk
		}
		b.mu.Lock()
		entries := make([]entry, 0, b.size)
		for i := range b.size {
			idx := (b.tail + i) % len(b.slots)
			if c := b.slots[idx]; c != nil {
				entries = append(entries, entry{idx, c})
			}
		}
		b.mu.Unlock()
		for _, e := range entries {
			if !yield(e.index, b.recordRead(e.chunk)) {
				return
			}
		}
	}
}

// Close releases every block. The buffer can still be used afterwards.
func (b *Buffer) Close() error {
	b.Clear()
	return nil
}

func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full
}

func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

func (b *Buffer) BlockSize() int       { return b.pool.BlockSize() }
func (b *Buffer) UsedMemory() int      { return b.pool.UsedMemory() }
func (b *Buffer) TotalMemory() int     { return b.pool.TotalMemory() }
func (b *Buffer) AvailableMemory() int { return b.pool.TotalMemory() - b.pool.UsedMemory() }
func (b *Buffer) UsedBlocks() int      { return b.pool.UsedBlocks() }
func (b *Buffer) TotalBlocks() int     { return b.pool.TotalBlocks() }

func (b *Buffer) TotalBytesWritten() uint64  { return b.bytesWritten.Load() }
func (b *Buffer) TotalChunksWritten() uint64 { return b.chunksWritten.Load() }
func (b *Buffer) TotalBytesRead() uint64     { return b.bytesRead.Load() }
func (b *Buffer) TotalChunksRead() uint64    { return b.chunksRead.Load() }
