package fli

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/internal/observability"
	"github.com/j-r-jones/dragon/memory"
)

// RecvConfig tunes how a receive handle opens. The stream channel
// resolves in precedence order: StreamChannel, UseMainAsStream, the
// buffered interface's main channel, then a conversation announcement
// popped from the main channel.
type RecvConfig struct {
	// StreamChannel supplies the conversation channel directly.
	StreamChannel *channels.Channel
	// DestinationPool overrides the pool landing buffers come from.
	DestinationPool *memory.Pool
	// Timeout bounds the open itself: the announcement wait on the
	// main channel.
	Timeout *time.Duration
	// UseMainAsStream receives data directly off the main channel.
	UseMainAsStream bool
}

// RecvHandle is the receiving end of one conversation. A handle is
// open from creation until Close; afterward every receive fails. A
// handle serves a single goroutine.
type RecvHandle struct {
	fli    *FLI
	stream *channels.Channel
	pool   *memory.Pool
	mode   streamMode

	mu         sync.Mutex
	closed     bool
	eotSeen    bool
	pendingEOT bool
	lentToken  []byte
	bridge     *recvBridge
}

// OpenRecv opens the receiving side of a conversation.
func (f *FLI) OpenRecv(cfg RecvConfig) (*RecvHandle, error) {
	const op = "open recv"
	if err := f.check(op); err != nil {
		return nil, err
	}
	if err := channels.ValidateTimeout(cfg.Timeout); err != nil {
		return nil, errOf(KindInvalidArg, op, err)
	}
	pool := cfg.DestinationPool
	if pool == nil {
		pool = f.pool
	}
	h := &RecvHandle{fli: f, pool: pool}
	switch {
	case cfg.StreamChannel != nil:
		h.mode = modeExplicit
		h.stream = cfg.StreamChannel
	case cfg.UseMainAsStream:
		h.mode = modeMain
		h.stream = f.main
	case f.buffered:
		h.mode = modeMainBuffered
		h.stream = f.main
	default:
		ann, err := f.main.Receive(cfg.Timeout)
		if err != nil {
			return nil, recvErr(op, err)
		}
		if ann.Block == nil {
			return nil, errf(KindProtocol, op, "empty conversation announcement")
		}
		blob := append([]byte(nil), ann.Block.Bytes()...)
		releaseBlock(ann.Block)
		stream, err := channels.Attach(blob)
		if err != nil {
			return nil, errOf(KindProtocol, op, err)
		}
		h.mode = modeLent
		h.stream = stream
		h.lentToken = blob
	}
	runtime.SetFinalizer(h, (*RecvHandle).implicitClose)
	observability.RecordHandleOpen("recv")
	log.Debug().Str("fli", f.uid.String()).Stringer("mode", h.mode).Msg("recv handle open")
	return h, nil
}

// nextLocked fetches the next data message, folding the
// end-of-transmission protocol into handle state. Once the marker has
// been observed every further receive reports it again.
func (h *RecvHandle) nextLocked(op string, timeout *time.Duration) (channels.Message, error) {
	if h.eotSeen {
		return channels.Message{}, errOf(KindEOT, op, nil)
	}
	if h.pendingEOT {
		h.pendingEOT = false
		h.eotSeen = true
		return channels.Message{}, errOf(KindEOT, op, nil)
	}
	msg, err := h.stream.Receive(timeout)
	if err != nil {
		if errors.Is(err, channels.ErrEOT) {
			h.eotSeen = true
		}
		return channels.Message{}, recvErr(op, err)
	}
	if msg.EOT() {
		h.pendingEOT = true
	}
	return msg, nil
}

// RecvBytes receives one message as a fresh byte slice. maxSize above
// zero truncates longer payloads, discarding the remainder; zero or
// negative accepts any size. The returned hint is the sender's.
func (h *RecvHandle) RecvBytes(maxSize int64, timeout *time.Duration) ([]byte, uint64, error) {
	const op = "recv bytes"
	h.mu.Lock()
	defer h.mu.Unlock()
	block, hint, err := h.landLocked(op, maxSize, timeout)
	if err != nil {
		return nil, 0, err
	}
	out := append([]byte(nil), block.Bytes()...)
	releaseBlock(block)
	return out, hint, nil
}

// RecvBytesRetained is RecvBytes without the final copy: the returned
// slice aliases a pool block that stays charged to the destination
// pool for the life of the pool. Treat the slice as read-only.
func (h *RecvHandle) RecvBytesRetained(maxSize int64, timeout *time.Duration) ([]byte, uint64, error) {
	const op = "recv bytes retained"
	h.mu.Lock()
	defer h.mu.Unlock()
	block, hint, err := h.landLocked(op, maxSize, timeout)
	if err != nil {
		return nil, 0, err
	}
	return block.Bytes(), hint, nil
}

// landLocked receives one message and lands its payload in a fresh
// block from the destination pool. Allocation failure discards the
// message; it is never requeued.
func (h *RecvHandle) landLocked(op string, maxSize int64, timeout *time.Duration) (*memory.Block, uint64, error) {
	if h.closed {
		return nil, 0, errf(KindNotOpen, op, "handle closed")
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return nil, 0, errOf(KindInvalidArg, op, err)
	}
	msg, err := h.nextLocked(op, timeout)
	if err != nil {
		return nil, 0, err
	}
	payload := msg.Block
	if payload != nil && payload.Destroyed() {
		return nil, 0, errf(KindMessageDestroyed, op, "payload destroyed before delivery")
	}
	size := payloadSize(payload)
	if maxSize > 0 && uint64(maxSize) < size {
		size = uint64(maxSize)
	}
	landed, err := h.pool.Allocate(size)
	if err != nil {
		releaseBlock(payload)
		return nil, 0, allocErr(op, err)
	}
	if payload != nil {
		if data := payload.Bytes(); data != nil {
			copy(landed.Bytes(), data[:size])
		}
		releaseBlock(payload)
	}
	observability.RecordRecv(size)
	return landed, msg.Hint, nil
}

// RecvBytesInto receives one message directly into buf, truncating at
// len(buf) and discarding the remainder. It returns the copied length
// and the sender's hint.
func (h *RecvHandle) RecvBytesInto(buf []byte, timeout *time.Duration) (int, uint64, error) {
	const op = "recv bytes into"
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, 0, errf(KindNotOpen, op, "handle closed")
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return 0, 0, errOf(KindInvalidArg, op, err)
	}
	msg, err := h.nextLocked(op, timeout)
	if err != nil {
		return 0, 0, err
	}
	n := 0
	if msg.Block != nil {
		if msg.Block.Destroyed() {
			return 0, 0, errf(KindMessageDestroyed, op, "payload destroyed before delivery")
		}
		n = copy(buf, msg.Block.Bytes())
		releaseBlock(msg.Block)
	}
	observability.RecordRecv(uint64(n))
	return n, msg.Hint, nil
}

// RecvMem receives one message as the pool block the sender shipped,
// with no copy. The caller owns the returned reference and releases it
// when done.
func (h *RecvHandle) RecvMem(timeout *time.Duration) (*memory.Block, uint64, error) {
	const op = "recv mem"
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, 0, errf(KindNotOpen, op, "handle closed")
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return nil, 0, errOf(KindInvalidArg, op, err)
	}
	msg, err := h.nextLocked(op, timeout)
	if err != nil {
		return nil, 0, err
	}
	if msg.Block == nil {
		block, aerr := h.pool.Allocate(0)
		if aerr != nil {
			return nil, 0, allocErr(op, aerr)
		}
		return block, msg.Hint, nil
	}
	if msg.Block.Destroyed() {
		return nil, 0, errf(KindMessageDestroyed, op, "payload destroyed before delivery")
	}
	observability.RecordRecv(msg.Block.Size())
	return msg.Block, msg.Hint, nil
}

// StreamReceived reports whether the conversation's
// end-of-transmission marker has been observed.
func (h *RecvHandle) StreamReceived() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eotSeen || h.pendingEOT
}

// Close retires the handle. Unconsumed messages are drained and
// discarded; if any carried data the close reports
// ErrUndeliveredData. When no end-of-transmission marker arrives
// within the timeout the stream is terminated so the sender learns the
// receiver left. Idempotent.
func (h *RecvHandle) Close(timeout *time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked("close recv", timeout)
}

func (h *RecvHandle) closeLocked(op string, timeout *time.Duration) error {
	if h.closed {
		return nil
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return errOf(KindInvalidArg, op, err)
	}
	runtime.SetFinalizer(h, nil)
	h.closed = true
	observability.RecordHandleClose("recv")

	clean := h.eotSeen || h.pendingEOT
	undelivered := 0
	if !clean {
		clean, undelivered = h.drainLocked(timeout)
	}
	if h.mode == modeLent {
		if clean {
			h.stream.Reset()
			if err := h.fli.returnBlob(h.lentToken, timeout); err != nil {
				log.Warn().Err(err).Msg("stream token lost after clean close")
			}
		}
		h.stream.Detach()
		h.lentToken = nil
	}
	log.Debug().Str("fli", h.fli.uid.String()).Stringer("mode", h.mode).
		Int("undelivered", undelivered).Msg("recv handle closed")
	if undelivered > 0 {
		observability.RecordUndeliveredClose()
		return errOf(KindProtocol, op, errUndelivered)
	}
	return nil
}

// drainLocked discards messages until the end-of-transmission marker,
// the deadline, or channel teardown. A missing marker terminates the
// stream rather than waiting on the sender forever.
func (h *RecvHandle) drainLocked(timeout *time.Duration) (clean bool, undelivered int) {
	var deadline time.Time
	if timeout != nil {
		deadline = time.Now().Add(*timeout)
	}
	for {
		step := timeout
		if timeout != nil {
			rem := time.Until(deadline)
			if rem < 0 {
				rem = 0
			}
			step = &rem
		}
		msg, err := h.stream.Receive(step)
		switch {
		case err == nil:
			if msg.Block != nil {
				undelivered++
				releaseBlock(msg.Block)
			}
			if msg.EOT() {
				return true, undelivered
			}
		case errors.Is(err, channels.ErrEOT):
			return true, undelivered
		case errors.Is(err, channels.ErrTimeout):
			h.stream.Terminate()
			return false, undelivered
		default:
			return false, undelivered
		}
	}
}

// implicitClose is the finalizer path: bounded and silent on failure.
func (h *RecvHandle) implicitClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if err := h.closeLocked("implicit close", Timeout(cleanupTimeout)); err != nil {
		log.Debug().Err(err).Msg("implicit recv close")
	}
}

// DisableAutoClose detaches the finalizer so an unreferenced handle is
// never closed implicitly.
func (h *RecvHandle) DisableAutoClose() {
	runtime.SetFinalizer(h, nil)
}

// Closed reports whether the handle has been closed.
func (h *RecvHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
