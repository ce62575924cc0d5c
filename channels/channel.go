package channels

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/j-r-jones/dragon/memory"
)

// Config describes a channel to create.
type Config struct {
	// Capacity bounds the number of queued messages. Required.
	Capacity int
	// Pool associates payload allocations with the channel. Defaults
	// to memory.DefaultPool().
	Pool *memory.Pool
}

// Channel is a bounded multi-producer multi-consumer message queue.
// Senders block while the queue is full and receivers while it is
// empty, each bounded by the optional-timeout convention. All methods
// are safe for concurrent use.
type Channel struct {
	uid      uuid.UUID
	capacity int
	pool     *memory.Pool

	mu          sync.Mutex
	queue       []Message
	wake        chan struct{}
	terminated  bool
	destroyed   bool
	attachments int
}

// New creates a channel and registers it for in-process attachment.
func New(cfg Config) (*Channel, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, cfg.Capacity)
	}
	pool := cfg.Pool
	if pool == nil {
		pool = memory.DefaultPool()
	}
	c := &Channel{
		uid:         uuid.New(),
		capacity:    cfg.Capacity,
		pool:        pool,
		wake:        make(chan struct{}),
		attachments: 1,
	}
	register(c)
	return c, nil
}

func (c *Channel) UID() uuid.UUID     { return c.uid }
func (c *Channel) Capacity() int      { return c.capacity }
func (c *Channel) Pool() *memory.Pool { return c.pool }

// Depth reports the number of queued messages at this instant.
func (c *Channel) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ValidateTimeout rejects negative timeouts before any blocking work.
// nil means block indefinitely, zero means a single attempt.
func ValidateTimeout(timeout *time.Duration) error {
	if timeout != nil && *timeout < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTimeout, *timeout)
	}
	return nil
}

// deadlineFor converts the timeout convention into an absolute
// deadline; bounded reports whether one exists.
func deadlineFor(timeout *time.Duration) (deadline time.Time, bounded bool) {
	if timeout == nil {
		return time.Time{}, false
	}
	return time.Now().Add(*timeout), true
}

// await blocks until the wake channel is signaled or the deadline
// passes. Callers must not hold the channel lock.
func await(wake <-chan struct{}, deadline time.Time, bounded bool) error {
	if !bounded {
		<-wake
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return ErrTimeout
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-wake:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// wakeLocked signals every waiter by retiring the current wake
// channel.
func (c *Channel) wakeLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Send enqueues msg, blocking per the timeout convention while the
// queue is full. Sends fail once the channel is terminated or
// destroyed.
func (c *Channel) Send(msg Message, timeout *time.Duration) error {
	if err := ValidateTimeout(timeout); err != nil {
		return err
	}
	deadline, bounded := deadlineFor(timeout)
	for {
		c.mu.Lock()
		switch {
		case c.destroyed:
			c.mu.Unlock()
			return ErrDestroyed
		case c.terminated:
			c.mu.Unlock()
			return ErrTerminated
		case len(c.queue) < c.capacity:
			c.queue = append(c.queue, msg)
			c.wakeLocked()
			c.mu.Unlock()
			return nil
		}
		wake := c.wake
		c.mu.Unlock()
		if err := await(wake, deadline, bounded); err != nil {
			return err
		}
	}
}

// Receive dequeues the oldest message, blocking per the timeout
// convention while the queue is empty. A bare end-of-transmission
// marker is consumed and surfaced as ErrEOT; a marker carrying a
// payload is returned as a normal message with its flag intact.
// Termination does not fail receives; queued messages stay
// receivable.
func (c *Channel) Receive(timeout *time.Duration) (Message, error) {
	if err := ValidateTimeout(timeout); err != nil {
		return Message{}, err
	}
	deadline, bounded := deadlineFor(timeout)
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.wakeLocked()
			c.mu.Unlock()
			if msg.EOT() && msg.Block == nil {
				return Message{}, ErrEOT
			}
			return msg, nil
		}
		if c.destroyed {
			c.mu.Unlock()
			return Message{}, ErrDestroyed
		}
		wake := c.wake
		c.mu.Unlock()
		if err := await(wake, deadline, bounded); err != nil {
			return Message{}, err
		}
	}
}

// Terminate marks the channel closed for senders; blocked senders wake
// with ErrTerminated. Queued messages stay receivable. Idempotent.
func (c *Channel) Terminate() {
	c.mu.Lock()
	if !c.terminated && !c.destroyed {
		c.terminated = true
		c.wakeLocked()
	}
	c.mu.Unlock()
}

// Terminated reports whether Terminate has been called.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Reset discards queued messages, releasing their payload references,
// and clears the terminate flag so the channel can host a fresh
// conversation.
func (c *Channel) Reset() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	dropped := c.queue
	c.queue = nil
	c.terminated = false
	c.wakeLocked()
	c.mu.Unlock()
	releaseAll(dropped)
}

// Destroy discards queued messages and fails all pending and future
// operations. Idempotent.
func (c *Channel) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	dropped := c.queue
	c.queue = nil
	c.destroyed = true
	c.wakeLocked()
	c.mu.Unlock()
	releaseAll(dropped)
	unregister(c.uid)
	return nil
}

func releaseAll(msgs []Message) {
	for _, m := range msgs {
		if m.Block != nil {
			_ = m.Block.Release()
		}
	}
}
