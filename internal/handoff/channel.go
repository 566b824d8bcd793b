// Package handoff implements the capacity-1 rendezvous that carries firmware
// chunks from the upload handler to the update consumer.
package handoff

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var (
	// ErrConsumerGone is returned from Send once the consumer side has shut
	// down and will never drain another chunk.
	ErrConsumerGone = errors.New("handoff: consumer closed")

	// ErrStreamEnded is returned from Send after the end-of-stream sentinel
	// has been sent.
	ErrStreamEnded = errors.New("handoff: stream already ended")
)

// Channel passes chunk references between exactly one producer and one
// consumer with strict alternation: Send returns only after the consumer has
// fully drained the chunk, so the producer may immediately reuse its buffer
// and no two undrained chunks ever exist. A zero-length chunk is the
// end-of-stream sentinel; it is delivered at most once.
//
// Context cancellation and deadlines on Send and Pull are deliberate
// extensions over the strictly-blocking original: they keep a stuck peer
// from wedging the other side forever.
type Channel struct {
	slot   chan []byte
	ack    chan struct{}
	closed chan struct{}

	closeOnce sync.Once

	sent  atomic.Uint64
	acked atomic.Uint64

	// Drain cursor over the chunk currently held by the consumer. Only the
	// consumer goroutine touches these.
	cur []byte
	off int
	eos bool

	// Only the producer goroutine touches this.
	finalSent bool
}

func New() *Channel {
	return &Channel{
		slot:   make(chan []byte, 1),
		ack:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Send deposits one chunk and blocks until the consumer has drained it. The
// chunk is passed by reference; the caller must not modify it until Send
// returns. A zero-length chunk ends the stream.
func (c *Channel) Send(ctx context.Context, p []byte) error {
	if c.finalSent {
		return ErrStreamEnded
	}
	select {
	case c.slot <- p:
	case <-c.closed:
		return ErrConsumerGone
	case <-ctx.Done():
		return ctx.Err()
	}
	c.sent.Add(1)
	if len(p) == 0 {
		c.finalSent = true
	}
	select {
	case <-c.ack:
		c.acked.Add(1)
		return nil
	case <-c.closed:
		// The consumer acks before closing; prefer a drain that raced the
		// shutdown over reporting the consumer gone.
		select {
		case <-c.ack:
			c.acked.Add(1)
			return nil
		default:
		}
		return ErrConsumerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull copies up to len(dst) bytes from the chunk currently in flight,
// receiving the next chunk when none is held. Draining a chunk completely
// releases the producer. After the sentinel Pull returns 0, io.EOF, and
// keeps doing so.
func (c *Channel) Pull(ctx context.Context, dst []byte) (int, error) {
	if c.eos {
		return 0, io.EOF
	}
	if c.cur == nil {
		select {
		case p := <-c.slot:
			if len(p) == 0 {
				c.eos = true
				c.ackOne()
				return 0, io.EOF
			}
			c.cur, c.off = p, 0
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(dst, c.cur[c.off:])
	c.off += n
	if c.off == len(c.cur) {
		c.cur = nil
		c.ackOne()
	}
	return n, nil
}

// CloseConsumer marks the consumer side as gone. Blocked and future Sends
// fail fast with ErrConsumerGone instead of waiting on a peer that will
// never drain. Safe to call more than once.
func (c *Channel) CloseConsumer() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Stats reports how many chunks have been deposited and how many drained.
// Strict alternation keeps sent-acked at 0 or 1 at every instant.
func (c *Channel) Stats() (sent, acked uint64) {
	return c.sent.Load(), c.acked.Load()
}

func (c *Channel) ackOne() {
	c.ack <- struct{}{}
}
