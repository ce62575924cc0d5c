package fli

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/internal/observability"
	"github.com/j-r-jones/dragon/memory"
)

// DefaultMainCapacity sizes a lazily created main channel when no
// stream channels dictate the depth.
const DefaultMainCapacity = 16

// Timeout wraps a duration for the optional-timeout convention: nil
// blocks indefinitely, zero attempts once, negative is rejected.
func Timeout(d time.Duration) *time.Duration { return &d }

// Config describes a streaming interface to create.
type Config struct {
	// Main carries conversation announcements, or doubles as the data
	// stream in the main-as-stream and buffered modes. Created lazily
	// when nil.
	Main *channels.Channel
	// Manager holds the lendable stream channels. Optional.
	Manager *channels.Channel
	// StreamChannels seed the manager at creation.
	StreamChannels []*channels.Channel
	// Pool backs lazily created channels and landing buffers.
	// Defaults to memory.DefaultPool().
	Pool *memory.Pool
	// Buffered selects the single-channel coalescing mode. Excludes
	// Manager and StreamChannels.
	Buffered bool
}

type state int

const (
	stateOpen state = iota
	stateDetached
	stateDestroyed
)

// FLI is a file-like streaming interface over channels. One sender and
// one receiver converse over a stream channel at a time; the
// descriptor brokers which channel that is, lending pre-created
// streams through its manager channel and announcing each conversation
// on its main channel.
type FLI struct {
	uid      uuid.UUID
	main     *channels.Channel
	manager  *channels.Channel
	pool     *memory.Pool
	buffered bool
	ownsMain bool
	attached bool

	mu    sync.Mutex
	state state
}

// New creates a streaming interface, seeding the manager with every
// supplied stream channel.
func New(cfg Config) (*FLI, error) {
	const op = "create"
	if cfg.Buffered && (cfg.Manager != nil || len(cfg.StreamChannels) > 0) {
		return nil, errf(KindCreation, op, "buffered mode excludes manager and stream channels")
	}
	if cfg.Manager == nil && len(cfg.StreamChannels) > 0 {
		return nil, errf(KindCreation, op, "stream channels require a manager channel")
	}
	pool := cfg.Pool
	if pool == nil {
		pool = memory.DefaultPool()
	}
	f := &FLI{
		uid:      uuid.New(),
		main:     cfg.Main,
		manager:  cfg.Manager,
		pool:     pool,
		buffered: cfg.Buffered,
	}
	if f.main == nil {
		capacity := DefaultMainCapacity
		if n := len(cfg.StreamChannels); n > 0 {
			capacity = n
		}
		main, err := channels.New(channels.Config{Capacity: capacity, Pool: pool})
		if err != nil {
			return nil, errOf(KindCreation, op, err)
		}
		f.main = main
		f.ownsMain = true
	}
	for _, sc := range cfg.StreamChannels {
		if sc == nil {
			f.teardownCreate()
			return nil, errf(KindCreation, op, "nil stream channel")
		}
		if err := f.lendStream(sc); err != nil {
			f.teardownCreate()
			return nil, errOf(KindCreation, op, err)
		}
	}
	observability.RecordInterfaceCreated(f.modeLabel())
	log.Debug().Str("fli", f.uid.String()).Bool("buffered", f.buffered).
		Int("streams", len(cfg.StreamChannels)).Msg("interface created")
	return f, nil
}

// lendStream serializes sc and deposits its token on the manager. The
// manager must have room; a full manager is a configuration mistake.
func (f *FLI) lendStream(sc *channels.Channel) error {
	blob, err := sc.Serialize()
	if err != nil {
		return err
	}
	return f.returnBlob(blob, Timeout(0))
}

// returnBlob deposits a stream-channel token on the manager.
func (f *FLI) returnBlob(blob []byte, timeout *time.Duration) error {
	msg, err := f.packBlob(blob)
	if err != nil {
		return err
	}
	if err := f.manager.Send(msg, timeout); err != nil {
		releaseBlock(msg.Block)
		return err
	}
	return nil
}

// packBlob copies blob into a pool block wrapped in a message.
func (f *FLI) packBlob(blob []byte) (channels.Message, error) {
	block, err := f.pool.Allocate(uint64(len(blob)))
	if err != nil {
		return channels.Message{}, err
	}
	copy(block.Bytes(), blob)
	return channels.Message{Block: block}, nil
}

func (f *FLI) teardownCreate() {
	if f.ownsMain {
		_ = f.main.Destroy()
	}
}

func (f *FLI) modeLabel() string {
	switch {
	case f.buffered:
		return "buffered"
	case f.manager != nil:
		return "managed"
	default:
		return "direct"
	}
}

func (f *FLI) UID() uuid.UUID             { return f.uid }
func (f *FLI) IsBuffered() bool           { return f.buffered }
func (f *FLI) Main() *channels.Channel    { return f.main }
func (f *FLI) Manager() *channels.Channel { return f.manager }
func (f *FLI) Pool() *memory.Pool         { return f.pool }

// check verifies the descriptor is still usable.
func (f *FLI) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateDetached:
		return errf(KindNotOpen, op, "interface detached")
	case stateDestroyed:
		return errf(KindNotOpen, op, "interface destroyed")
	}
	return nil
}

// NumAvailableStreams reports how many stream channels sit unborrowed
// in the manager at this instant.
func (f *FLI) NumAvailableStreams(timeout *time.Duration) (int, error) {
	const op = "available streams"
	if err := f.check(op); err != nil {
		return 0, err
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return 0, errOf(KindInvalidArg, op, err)
	}
	if f.manager == nil {
		return 0, errf(KindInvalidArg, op, "interface has no manager channel")
	}
	return f.manager.Depth(), nil
}

// fliBlob is the canonical serialized descriptor. Stream-channel
// tokens live in the manager queue, not in the descriptor.
type fliBlob struct {
	Version  uint16 `cbor:"1,keyasint"`
	Buffered bool   `cbor:"2,keyasint"`
	Main     []byte `cbor:"3,keyasint"`
	Manager  []byte `cbor:"4,keyasint,omitempty"`
	PoolUID  string `cbor:"5,keyasint"`
}

const descriptorVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("fli: cbor encoder: %v", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("fli: cbor decoder: %v", err))
	}
	encMode, decMode = em, dm
}

// Serialize encodes the descriptor so another holder can attach to the
// same interface. The descriptor stays usable, and equal descriptors
// encode to identical bytes.
func (f *FLI) Serialize() ([]byte, error) {
	const op = "serialize"
	if err := f.check(op); err != nil {
		return nil, err
	}
	mainBlob, err := f.main.Serialize()
	if err != nil {
		return nil, errOf(KindProtocol, op, err)
	}
	blob := fliBlob{
		Version:  descriptorVersion,
		Buffered: f.buffered,
		Main:     mainBlob,
		PoolUID:  f.pool.UID().String(),
	}
	if f.manager != nil {
		mgrBlob, err := f.manager.Serialize()
		if err != nil {
			return nil, errOf(KindProtocol, op, err)
		}
		blob.Manager = mgrBlob
	}
	out, err := encMode.Marshal(blob)
	if err != nil {
		return nil, errOf(KindProtocol, op, err)
	}
	return out, nil
}

// Attach reconstructs a usable interface from a serialized descriptor.
// pool overrides the descriptor's pool; nil resolves the original pool
// when resident, falling back to the default pool.
func Attach(blob []byte, pool *memory.Pool) (*FLI, error) {
	const op = "attach"
	if len(blob) == 0 {
		return nil, errf(KindInvalidArg, op, "empty descriptor")
	}
	var decoded fliBlob
	if err := decMode.Unmarshal(blob, &decoded); err != nil {
		return nil, errf(KindInvalidArg, op, "malformed descriptor: %v", err)
	}
	if decoded.Version != descriptorVersion {
		return nil, errf(KindInvalidArg, op, "descriptor version %d", decoded.Version)
	}
	main, err := channels.Attach(decoded.Main)
	if err != nil {
		return nil, errOf(KindProtocol, op, err)
	}
	var manager *channels.Channel
	if len(decoded.Manager) > 0 {
		manager, err = channels.Attach(decoded.Manager)
		if err != nil {
			main.Detach()
			return nil, errOf(KindProtocol, op, err)
		}
	}
	if pool == nil {
		if uid, perr := uuid.Parse(decoded.PoolUID); perr == nil {
			if resident, ok := memory.Lookup(uid); ok {
				pool = resident
			}
		}
	}
	if pool == nil {
		pool = memory.DefaultPool()
	}
	f := &FLI{
		uid:      uuid.New(),
		main:     main,
		manager:  manager,
		pool:     pool,
		buffered: decoded.Buffered,
		attached: true,
	}
	log.Debug().Str("fli", f.uid.String()).Msg("interface attached")
	return f, nil
}

// Detach releases this holder's attachment, leaving the channels and
// any in-flight conversations intact. The descriptor becomes unusable.
func (f *FLI) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateDetached:
		return nil
	case stateDestroyed:
		return errf(KindNotOpen, "detach", "interface destroyed")
	}
	if f.attached {
		f.main.Detach()
		if f.manager != nil {
			f.manager.Detach()
		}
	}
	f.state = stateDetached
	return nil
}

// Destroy tears down the main and manager channels. Stream channels
// remain their creator's to destroy.
func (f *FLI) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateDestroyed {
		return nil
	}
	f.state = stateDestroyed
	err := f.main.Destroy()
	if f.manager != nil {
		if merr := f.manager.Destroy(); err == nil {
			err = merr
		}
	}
	if err != nil {
		return errOf(KindProtocol, "destroy", err)
	}
	return nil
}

// ChannelInfo describes one channel inside a decoded descriptor.
type ChannelInfo struct {
	UID      string
	Capacity int
	PoolUID  string
}

// DescriptorInfo is the decoded, human-readable form of a serialized
// descriptor.
type DescriptorInfo struct {
	Buffered bool
	Main     ChannelInfo
	Manager  *ChannelInfo
	PoolUID  string
}

// Inspect decodes a serialized descriptor without attaching to it.
func Inspect(blob []byte) (DescriptorInfo, error) {
	const op = "inspect"
	if len(blob) == 0 {
		return DescriptorInfo{}, errf(KindInvalidArg, op, "empty descriptor")
	}
	var decoded fliBlob
	if err := decMode.Unmarshal(blob, &decoded); err != nil {
		return DescriptorInfo{}, errf(KindInvalidArg, op, "malformed descriptor: %v", err)
	}
	if decoded.Version != descriptorVersion {
		return DescriptorInfo{}, errf(KindInvalidArg, op, "descriptor version %d", decoded.Version)
	}
	mainInfo, err := channels.InspectBlob(decoded.Main)
	if err != nil {
		return DescriptorInfo{}, errOf(KindInvalidArg, op, err)
	}
	info := DescriptorInfo{
		Buffered: decoded.Buffered,
		Main:     ChannelInfo(mainInfo),
		PoolUID:  decoded.PoolUID,
	}
	if len(decoded.Manager) > 0 {
		mgrInfo, err := channels.InspectBlob(decoded.Manager)
		if err != nil {
			return DescriptorInfo{}, errOf(KindInvalidArg, op, err)
		}
		mgr := ChannelInfo(mgrInfo)
		info.Manager = &mgr
	}
	return info, nil
}

func releaseBlock(b *memory.Block) {
	if b != nil {
		_ = b.Release()
	}
}

func payloadSize(b *memory.Block) uint64 {
	if b == nil {
		return 0
	}
	return b.Size()
}
