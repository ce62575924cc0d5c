package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidCapacity = errors.New("memory: pool capacity must be non-zero")
	ErrPoolFull        = errors.New("memory: pool exhausted")
	ErrSizeTooLarge    = errors.New("memory: allocation exceeds pool capacity")
	ErrPoolDestroyed   = errors.New("memory: pool destroyed")
)

// Pool is a named, fixed-capacity byte budget. It hands out refcounted
// blocks and reclaims their bytes when the last reference drops. All
// methods are safe for concurrent use.
type Pool struct {
	uid      uuid.UUID
	name     string
	capacity uint64

	mu        sync.Mutex
	used      uint64
	blocks    int
	destroyed bool
}

// New creates a pool with the given byte capacity and registers it for
// in-process lookup by UID.
func New(name string, capacity uint64) (*Pool, error) {
	if capacity == 0 {
		return nil, ErrInvalidCapacity
	}
	p := &Pool{
		uid:      uuid.New(),
		capacity: capacity,
	}
	if name == "" {
		name = "pool-" + p.uid.String()
	}
	p.name = name
	registerPool(p)
	return p, nil
}

func (p *Pool) UID() uuid.UUID   { return p.uid }
func (p *Pool) Name() string     { return p.name }
func (p *Pool) Capacity() uint64 { return p.capacity }

// UsedBytes reports the bytes currently charged to live blocks.
func (p *Pool) UsedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// FreeBytes reports the bytes still available to allocate.
func (p *Pool) FreeBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.used
}

// AllocatedBlocks reports the number of live blocks.
func (p *Pool) AllocatedBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks
}

// Destroyed reports whether Destroy has been called.
func (p *Pool) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Allocate charges size bytes to the pool and returns a fresh block
// holding them. A request larger than the whole pool fails with
// ErrSizeTooLarge; a request the current budget cannot satisfy fails
// with ErrPoolFull.
func (p *Pool) Allocate(size uint64) (*Block, error) {
	if size > p.capacity {
		return nil, fmt.Errorf("%w: %d bytes in %q of %d", ErrSizeTooLarge, size, p.name, p.capacity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, fmt.Errorf("%w: %q", ErrPoolDestroyed, p.name)
	}
	if p.used+size > p.capacity {
		return nil, fmt.Errorf("%w: %q needs %d bytes, %d free", ErrPoolFull, p.name, size, p.capacity-p.used)
	}
	p.used += size
	p.blocks++
	b := &Block{pool: p, data: make([]byte, size)}
	b.refs.Store(1)
	return b, nil
}

// reclaim returns a block's bytes to the budget.
func (p *Pool) reclaim(size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used >= size {
		p.used -= size
	} else {
		p.used = 0
	}
	if p.blocks > 0 {
		p.blocks--
	}
}

// Destroy invalidates the pool and every block allocated from it.
// Idempotent.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.used = 0
	p.blocks = 0
	p.mu.Unlock()
	unregisterPool(p.uid)
	return nil
}

// pools tracks live pools so serialized channel identities can resolve
// their backing pool within this process.
var pools = struct {
	sync.Mutex
	byUID map[uuid.UUID]*Pool
}{byUID: make(map[uuid.UUID]*Pool)}

func registerPool(p *Pool) {
	pools.Lock()
	pools.byUID[p.uid] = p
	pools.Unlock()
}

func unregisterPool(uid uuid.UUID) {
	pools.Lock()
	delete(pools.byUID, uid)
	pools.Unlock()
}

// Lookup resolves a pool by UID when it is resident in this process.
func Lookup(uid uuid.UUID) (*Pool, bool) {
	pools.Lock()
	p, ok := pools.byUID[uid]
	pools.Unlock()
	return p, ok
}
