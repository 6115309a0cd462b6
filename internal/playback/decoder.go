package playback

import (
	"fmt"
	"io"

	"github.com/tanq16/reelfetch/internal/ringbuffer"
)

// Decoder consumes chunks in sequence order. The consumer picks one decoder
// at construction and never switches.
type Decoder interface {
	Decode(c *ringbuffer.Chunk) error
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(c *ringbuffer.Chunk) error

func (fn DecoderFunc) Decode(c *ringbuffer.Chunk) error {
	return fn(c)
}

// WriterDecoder passes chunk bytes straight through to an io.Writer, which
// reassembles the original resource when no chunk was lost.
type WriterDecoder struct {
	w       io.Writer
	written int64
}

func NewWriterDecoder(w io.Writer) *WriterDecoder {
	return &WriterDecoder{w: w}
}

func (d *WriterDecoder) Decode(c *ringbuffer.Chunk) error {
	n, err := c.Reader().WriteTo(d.w)
	d.written += n
	if err != nil {
		return fmt.Errorf("error writing chunk %d: %w", c.Sequence, err)
	}
	return nil
}

func (d *WriterDecoder) Written() int64 {
	return d.written
}
