package channels

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// channelBlob is the canonical wire form of a channel identity.
// Integer keys keep the encoding compact and deterministic.
type channelBlob struct {
	Version  uint16 `cbor:"1,keyasint"`
	UID      string `cbor:"2,keyasint"`
	Capacity int    `cbor:"3,keyasint"`
	PoolUID  string `cbor:"4,keyasint"`
}

const blobVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("channels: cbor encoder: %v", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("channels: cbor decoder: %v", err))
	}
	encMode, decMode = em, dm
}

// Serialize produces an opaque blob identifying this channel. The same
// channel always serializes to identical bytes.
func (c *Channel) Serialize() ([]byte, error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return nil, fmt.Errorf("serialize %s: %w", c.uid, ErrDestroyed)
	}
	blob := channelBlob{
		Version:  blobVersion,
		UID:      c.uid.String(),
		Capacity: c.capacity,
		PoolUID:  c.pool.UID().String(),
	}
	out, err := encMode.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", c.uid, err)
	}
	return out, nil
}

// Attach resolves a serialized identity to the live channel it names.
// The channel must be resident in this process; attachments are
// refcounted and released with Detach.
func Attach(blob []byte) (*Channel, error) {
	info, err := InspectBlob(blob)
	if err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(info.UID)
	if err != nil {
		return nil, fmt.Errorf("%w: uid %q", ErrInvalidBlob, info.UID)
	}
	c, ok := lookup(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotResident, uid)
	}
	c.mu.Lock()
	c.attachments++
	c.mu.Unlock()
	return c, nil
}

// Detach releases one local attachment. The channel itself survives
// until destroyed.
func (c *Channel) Detach() {
	c.mu.Lock()
	if c.attachments > 0 {
		c.attachments--
	}
	c.mu.Unlock()
}

// Attachments reports the current local attachment count.
func (c *Channel) Attachments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachments
}

// BlobInfo is the decoded form of a serialized channel identity.
type BlobInfo struct {
	UID      string
	Capacity int
	PoolUID  string
}

// InspectBlob decodes a channel blob without attaching to it.
func InspectBlob(blob []byte) (BlobInfo, error) {
	if len(blob) == 0 {
		return BlobInfo{}, fmt.Errorf("%w: empty", ErrInvalidBlob)
	}
	var decoded channelBlob
	if err := decMode.Unmarshal(blob, &decoded); err != nil {
		return BlobInfo{}, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if decoded.Version != blobVersion {
		return BlobInfo{}, fmt.Errorf("%w: version %d", ErrInvalidBlob, decoded.Version)
	}
	return BlobInfo{UID: decoded.UID, Capacity: decoded.Capacity, PoolUID: decoded.PoolUID}, nil
}
