package channels

import "github.com/j-r-jones/dragon/memory"

// MessageFlags annotate a message with transmission metadata.
type MessageFlags uint32

const (
	// FlagEOT marks the final transmission of a conversation. A
	// payload may ride along with the marker.
	FlagEOT MessageFlags = 1 << iota
)

// Message is the unit a channel carries: an optional pool block, a
// caller-defined hint, and flags.
type Message struct {
	Block *memory.Block
	Hint  uint64
	Flags MessageFlags
}

// EOT reports whether the message carries the end-of-transmission
// flag.
func (m Message) EOT() bool { return m.Flags&FlagEOT != 0 }
