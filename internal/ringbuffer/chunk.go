package ringbuffer

import (
	"bytes"

	"github.com/tanq16/reelfetch/internal/slab"
)

// Meta is the metadata stored alongside a chunk's bytes.
type Meta struct {
	Sequence   int   // position of the chunk in the original resource
	Timestamp  int64 // milliseconds
	Width      int
	Height     int
	Duration   int // milliseconds
	Keyframe   bool
	RetryCount int
}

// Chunk is one stored unit of media bytes. Its bytes live in a slab block
// owned by the ring slot and stay valid until the slot is evicted, cleared
// or optimised away.
type Chunk struct {
	ID         uint32
	Sequence   int
	Timestamp  int64
	Width      int
	Height     int
	Duration   int
	Keyframe   bool
	RetryCount int
	Downloaded bool
	Failed     bool

	block slab.Block
	data  []byte
}

// Bytes returns the stored bytes without copying. Callers must treat the
// slice as read-only. Once the chunk is evicted the block may be handed to
// another chunk; use Buffer.ReadSequence to read without racing the producer.
func (c *Chunk) Bytes() []byte {
	return c.data
}

// Reader returns a read-only view over the chunk bytes.
func (c *Chunk) Reader() *bytes.Reader {
	return bytes.NewReader(c.data)
}

func (c *Chunk) Size() int {
	return len(c.data)
}
