package memory

import (
	"os"
	"strconv"
	"sync"
)

const (
	// EnvDefaultPoolBytes overrides the default pool capacity with a
	// positive byte count.
	EnvDefaultPoolBytes = "DRAGON_DEFAULT_POOL_BYTES"

	// DefaultPoolBytes is the capacity used when the environment does
	// not say otherwise.
	DefaultPoolBytes = 64 << 20
)

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// DefaultPool returns the lazily created process-wide pool. The first
// call sizes it from DRAGON_DEFAULT_POOL_BYTES when set; malformed or
// zero values fall back to DefaultPoolBytes.
func DefaultPool() *Pool {
	defaultOnce.Do(func() {
		capacity := uint64(DefaultPoolBytes)
		if raw := os.Getenv(EnvDefaultPoolBytes); raw != "" {
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil && v > 0 {
				capacity = v
			}
		}
		p, err := New("dragon-default", capacity)
		if err != nil {
			panic(err)
		}
		defaultPool = p
	})
	return defaultPool
}
