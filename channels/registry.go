package channels

import (
	"sync"

	"github.com/google/uuid"
)

// registry tracks channels resident in this process so serialized
// identities can be re-attached.
var registry = struct {
	sync.Mutex
	byUID map[uuid.UUID]*Channel
}{byUID: make(map[uuid.UUID]*Channel)}

func register(c *Channel) {
	registry.Lock()
	registry.byUID[c.uid] = c
	registry.Unlock()
}

func unregister(uid uuid.UUID) {
	registry.Lock()
	delete(registry.byUID, uid)
	registry.Unlock()
}

func lookup(uid uuid.UUID) (*Channel, bool) {
	registry.Lock()
	c, ok := registry.byUID[uid]
	registry.Unlock()
	return c, ok
}
