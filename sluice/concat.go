package sluice

import (
	"errors"
	"io"
	"sync"
)

// ErrConcatSealed is returned by Append after Seal.
var ErrConcatSealed = errors.New("concat: sealed")

// ErrConcatClosed is returned by Read after Close.
var ErrConcatClosed = errors.New("concat: closed")

// -----------------------------------------------------------------------------
// Concat
// -----------------------------------------------------------------------------

// Concat joins an ordered queue of sources into one reader.
//
// Sources may be appended while the concatenation is being read. Exactly
// one source is active at a time and it is only read when Concat itself is
// read, so backpressure flows through to the active source. A drained
// source is closed (if it implements io.Closer) before the next one is
// activated.
//
// A source error is terminal: it is returned by every later Read and the
// remaining queued sources are closed without being read.
//
// Once the queue is empty, Read blocks until another source is appended or
// Seal is called; after Seal an empty queue reads as io.EOF.
type Concat struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []io.Reader
	active io.Reader
	sealed bool
	err    error
}

// NewConcat creates a concatenation with the given initial sources.
func NewConcat(sources ...io.Reader) *Concat {
	c := &Concat{queue: append([]io.Reader(nil), sources...)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Append enqueues r after all previously appended sources.
// After a terminal error r is closed and the error is returned.
func (c *Concat) Append(r io.Reader) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		closeSource(r)
		return err
	}
	if c.sealed {
		c.mu.Unlock()
		return ErrConcatSealed
	}
	c.queue = append(c.queue, r)
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// Seal marks the queue complete.
func (c *Concat) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Read reads from the active source, advancing through the queue.
func (c *Concat) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		src, err := c.current()
		if err != nil {
			return 0, err
		}

		n, err := src.Read(p)
		switch {
		case errors.Is(err, io.EOF):
			c.advance(src)
			if n > 0 {
				return n, nil
			}
		case err != nil:
			return n, c.fail(err)
		case n > 0:
			return n, nil
		}
	}
}

// Close releases the active source and every queued source.
// Subsequent reads return ErrConcatClosed.
func (c *Concat) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrConcatClosed
	}
	pending := c.drainLocked()
	c.mu.Unlock()
	c.cond.Broadcast()

	for _, r := range pending {
		closeSource(r)
	}
	return nil
}

// current returns the active source, activating the next queued one if
// needed. It blocks while the queue is empty and unsealed.
func (c *Concat) current() (io.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.err != nil {
			return nil, c.err
		}
		if c.active != nil {
			return c.active, nil
		}
		if len(c.queue) > 0 {
			c.active = c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			return c.active, nil
		}
		if c.sealed {
			return nil, io.EOF
		}
		c.cond.Wait()
	}
}

// advance retires a drained source.
func (c *Concat) advance(src io.Reader) {
	c.mu.Lock()
	if c.active == src {
		c.active = nil
	}
	c.mu.Unlock()
	closeSource(src)
}

// fail records a terminal error and releases all sources.
func (c *Concat) fail(err error) error {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	err = c.err
	pending := c.drainLocked()
	c.mu.Unlock()
	c.cond.Broadcast()

	for _, r := range pending {
		closeSource(r)
	}
	return err
}

func (c *Concat) drainLocked() []io.Reader {
	pending := c.queue
	if c.active != nil {
		pending = append([]io.Reader{c.active}, pending...)
	}
	c.active = nil
	c.queue = nil
	return pending
}
