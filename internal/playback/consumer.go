// Package playback reads chunks back out of a ring buffer in their original
// sequence order, independent of the order in which they were stored.
package playback

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/reelfetch/internal/ringbuffer"
	"github.com/tanq16/reelfetch/internal/utils"
)

// Store is the part of *ringbuffer.Buffer the consumer reads from.
type Store interface {
	ReadSequence(seq int, fn func(*ringbuffer.Chunk) error) (bool, error)
	Next(afterSeq int) *ringbuffer.Chunk
	PreloadNext(fromSequence, count int)
}

const DefaultPollInterval = 10 * time.Millisecond

type Options struct {
	// Total is the number of sequences to deliver; zero means unknown.
	Total int
	// Done reports whether the producer has finished. Without it the consumer
	// waits for every sequence indefinitely.
	Done         func() bool
	PollInterval time.Duration
	// PreloadAhead asks the store to prefetch this many sequences after each
	// delivered chunk.
	PreloadAhead int
	Logger       *zerolog.Logger
}

type Consumer struct {
	store     Store
	dec       Decoder
	opts      Options
	next      int
	lost      int
	delivered int
	log       zerolog.Logger
}

func NewConsumer(store Store, dec Decoder, opts Options) *Consumer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := utils.GetLogger("playback")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Consumer{
		store: store,
		dec:   dec,
		opts:  opts,
		log:   logger,
	}
}

// Next returns the chunk holding the next expected sequence. While the
// producer is running it waits for the chunk to arrive. Once the producer is
// done, a sequence that is not in the store was evicted or failed; it is
// counted as lost and skipped. Returns io.EOF when nothing more can arrive.
// The returned chunk is a view that is only valid until the producer evicts
// it; Run decodes under the store lock instead.
func (c *Consumer) Next(ctx context.Context) (*ringbuffer.Chunk, error) {
	var chunk *ringbuffer.Chunk
	err := c.advance(ctx, func(ch *ringbuffer.Chunk) error {
		chunk = ch
		return nil
	})
	return chunk, err
}

// advance waits for the next expected sequence and hands it to fn while the
// store still holds it.
func (c *Consumer) advance(ctx context.Context, fn func(*ringbuffer.Chunk) error) error {
	for {
		if c.opts.Total > 0 && c.next >= c.opts.Total {
			return io.EOF
		}
		// check done before looking so a chunk stored just before completion
		// is not mistaken for lost
		done := c.opts.Done != nil && c.opts.Done()
		found, err := c.store.ReadSequence(c.next, fn)
		if err != nil {
			return err
		}
		if found {
			c.next++
			c.delivered++
			if c.opts.PreloadAhead > 0 {
				c.store.PreloadNext(c.next, c.opts.PreloadAhead)
			}
			return nil
		}
		if done {
			if c.opts.Total == 0 && c.store.Next(c.next) == nil {
				return io.EOF
			}
			c.log.Warn().Str("op", "playback/next").Int("sequence", c.next).Msg("Chunk missing from buffer, skipping")
			c.lost++
			c.next++
			continue
		}
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Run feeds every chunk to the decoder until the stream ends. Each chunk is
// decoded while the store holds it, so the producer waits for the decoder
// rather than reusing the block underneath it.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.advance(ctx, c.dec.Decode)
		if errors.Is(err, io.EOF) {
			c.log.Debug().Str("op", "playback/run").Int("delivered", c.delivered).Int("lost", c.lost).Msg("Playback stream ended")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Position is the next sequence the consumer expects.
func (c *Consumer) Position() int  { return c.next }
func (c *Consumer) Lost() int      { return c.lost }
func (c *Consumer) Delivered() int { return c.delivered }
