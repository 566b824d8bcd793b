package upload

import (
	"context"
	"sync"

	"example.com/hsmgate/internal/handoff"
	"example.com/hsmgate/internal/hsm"
)

// consumer runs the device update procedure on its own goroutine and owns
// the consumer side of the handoff channel. The session observes it only
// through the ready and done channels, never by sharing state.
type consumer struct {
	ch     *handoff.Channel
	ready  chan struct{}   // closed right before the first pull blocks
	done   chan hsm.Result // receives the terminal result exactly once
	cancel context.CancelFunc
}

// startConsumer launches updater.Update with the pull callback wired to a
// fresh handoff channel. manifest must not be mutated until the consumer
// reports its result. The goroutine closes the channel's consumer side
// before reporting, so a producer blocked in Send always wakes up.
func startConsumer(updater hsm.Updater, manifest []byte) *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		ch:     handoff.New(),
		ready:  make(chan struct{}),
		done:   make(chan hsm.Result, 1),
		cancel: cancel,
	}
	var once sync.Once
	pull := func(dst []byte) (int, error) {
		once.Do(func() { close(c.ready) })
		return c.ch.Pull(ctx, dst)
	}
	go func() {
		res := updater.Update(ctx, manifest, pull)
		c.ch.CloseConsumer()
		c.done <- res
	}()
	return c
}
