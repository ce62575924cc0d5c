package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrBlockReleased = errors.New("memory: block already released")

// Block is one refcounted pool allocation. A block starts with a
// single reference; Retain adds one, Release drops one, and the bytes
// return to the pool budget when the count reaches zero.
type Block struct {
	pool *Pool
	data []byte
	refs atomic.Int64
}

// Pool reports the pool the block was allocated from.
func (b *Block) Pool() *Pool { return b.pool }

// Size reports the allocated length, valid even after release.
func (b *Block) Size() uint64 { return uint64(len(b.data)) }

// Bytes exposes the backing slice, or nil once the block is dead.
func (b *Block) Bytes() []byte {
	if b.Destroyed() {
		return nil
	}
	return b.data
}

// Destroyed reports whether the block or its pool has been torn down.
func (b *Block) Destroyed() bool {
	if b.refs.Load() <= 0 {
		return true
	}
	return b.pool.Destroyed()
}

// Refs reports the current reference count.
func (b *Block) Refs() int64 { return b.refs.Load() }

// Retain adds a reference and returns the block for chaining. The
// caller must already hold a live reference.
func (b *Block) Retain() *Block {
	b.refs.Add(1)
	return b
}

// Release drops one reference, returning the bytes to the pool on the
// last drop. Releasing a dead block reports ErrBlockReleased.
func (b *Block) Release() error {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: %d bytes", ErrBlockReleased, len(b.data))
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				b.pool.reclaim(uint64(len(b.data)))
			}
			return nil
		}
	}
}
