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

// streamMode records how a handle resolved its stream channel.
type streamMode int

const (
	modeLent streamMode = iota
	modeExplicit
	modeMain
	modeMainBuffered
)

func (m streamMode) String() string {
	switch m {
	case modeExplicit:
		return "explicit"
	case modeMain:
		return "main"
	case modeMainBuffered:
		return "main_buffered"
	default:
		return "lent"
	}
}

// cleanupTimeout bounds implicit closes run by finalizers.
const cleanupTimeout = 500 * time.Millisecond

// SendConfig tunes how a send handle opens. The stream channel
// resolves in precedence order: StreamChannel, UseMainAsStream,
// UseMainBuffered (or a buffered interface), then borrowing from the
// manager.
type SendConfig struct {
	// StreamChannel supplies the conversation channel directly,
	// bypassing the manager.
	StreamChannel *channels.Channel
	// DestinationPool overrides the pool payload copies land in.
	DestinationPool *memory.Pool
	// Timeout bounds the open itself: the stream borrow and the
	// conversation announcement.
	Timeout *time.Duration
	// AllowStreamTerminate turns receiver-side termination into a
	// clean end-of-stream instead of a failure.
	AllowStreamTerminate bool
	// UseMainAsStream sends data over the main channel directly.
	UseMainAsStream bool
	// UseMainBuffered coalesces every send into one message delivered
	// at Close over the main channel.
	UseMainBuffered bool
	// Turbo acknowledges sends once they are queued locally; delivery
	// failures are logged, not returned.
	Turbo bool
}

// SendHandle is the sending end of one conversation. A handle is open
// from creation until Close; afterward every send fails. A handle
// serves a single goroutine; concurrent writers open separate
// conversations.
type SendHandle struct {
	fli    *FLI
	stream *channels.Channel
	pool   *memory.Pool
	mode   streamMode

	allowTerminate bool
	turbo          bool

	mu        sync.Mutex
	closed    bool
	buf       []byte
	bufHint   uint64
	buffering bool
	lentToken []byte
	pump      *turboPump
	bridge    *sendBridge
}

// OpenSend opens the sending side of a conversation. Without an
// explicit stream channel or a main-channel mode, a stream is borrowed
// from the manager and announced on the main channel.
func (f *FLI) OpenSend(cfg SendConfig) (*SendHandle, error) {
	const op = "open send"
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
	h := &SendHandle{
		fli:            f,
		pool:           pool,
		allowTerminate: cfg.AllowStreamTerminate,
		turbo:          cfg.Turbo,
	}
	switch {
	case cfg.StreamChannel != nil:
		h.mode = modeExplicit
		h.stream = cfg.StreamChannel
	case cfg.UseMainAsStream:
		h.mode = modeMain
		h.stream = f.main
	case cfg.UseMainBuffered || f.buffered:
		h.mode = modeMainBuffered
		h.stream = f.main
	default:
		if f.manager == nil {
			return nil, errf(KindProtocol, op, "no stream channel and no manager to borrow from")
		}
		if err := h.borrowStream(cfg.Timeout); err != nil {
			return nil, err
		}
	}
	if h.turbo && h.mode != modeMainBuffered {
		h.pump = startTurboPump(h.stream)
	}
	runtime.SetFinalizer(h, (*SendHandle).implicitClose)
	observability.RecordHandleOpen("send")
	log.Debug().Str("fli", f.uid.String()).Stringer("mode", h.mode).
		Bool("turbo", h.turbo).Msg("send handle open")
	return h, nil
}

// borrowStream pops a stream token from the manager and announces the
// conversation on the main channel. On announcement failure the token
// goes back so the arena does not shrink.
func (h *SendHandle) borrowStream(timeout *time.Duration) error {
	const op = "open send"
	start := time.Now()
	tok, err := h.fli.manager.Receive(timeout)
	if err != nil {
		return recvErr(op, err)
	}
	// the announcement spends whatever the borrow left of the deadline
	announceTimeout := timeout
	if timeout != nil {
		remaining := *timeout - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		announceTimeout = &remaining
	}
	if tok.Block == nil {
		return errf(KindProtocol, op, "empty stream token")
	}
	blob := append([]byte(nil), tok.Block.Bytes()...)
	releaseBlock(tok.Block)
	stream, err := channels.Attach(blob)
	if err != nil {
		return errOf(KindProtocol, op, err)
	}
	msg, err := h.fli.packBlob(blob)
	if err != nil {
		stream.Detach()
		return allocErr(op, err)
	}
	if err := h.fli.main.Send(msg, announceTimeout); err != nil {
		releaseBlock(msg.Block)
		stream.Detach()
		if rerr := h.fli.returnBlob(blob, Timeout(0)); rerr != nil {
			log.Warn().Err(rerr).Msg("stream token lost after failed announcement")
		}
		return sendErr(op, err, false)
	}
	h.stream = stream
	h.mode = modeLent
	h.lentToken = blob
	observability.ObserveLendWait(time.Since(start))
	return nil
}

// SendBytes copies data into a pool block and transmits it as one
// message. data is the caller's to reuse on return.
func (h *SendHandle) SendBytes(data []byte, hint uint64, timeout *time.Duration) error {
	return h.send("send bytes", data, hint, timeout, false)
}

// BufferBytes defers transmission: successive buffered payloads are
// concatenated in call order and delivered with the
// end-of-transmission marker at Close. The first buffered hint wins.
func (h *SendHandle) BufferBytes(data []byte, hint uint64) error {
	return h.send("buffer bytes", data, hint, nil, true)
}

func (h *SendHandle) send(op string, data []byte, hint uint64, timeout *time.Duration, buffer bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errf(KindNotOpen, op, "handle closed")
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return errOf(KindInvalidArg, op, err)
	}
	if buffer || h.mode == modeMainBuffered {
		h.bufferLocked(data, hint)
		return nil
	}
	block, err := h.pool.Allocate(uint64(len(data)))
	if err != nil {
		return allocErr(op, err)
	}
	copy(block.Bytes(), data)
	return h.deliverLocked(op, channels.Message{Block: block, Hint: hint}, timeout, true)
}

func (h *SendHandle) bufferLocked(data []byte, hint uint64) {
	h.buf = append(h.buf, data...)
	if !h.buffering {
		h.buffering = true
		h.bufHint = hint
	}
}

// memSendPolicy selects what happens to the caller's block reference.
type memSendPolicy int

const (
	transferOwnership memSendPolicy = iota
	loanReadOnly
	copyPayload
)

// SendMem transmits block itself, transferring ownership to the
// conversation. The caller must not touch the block afterward; on
// failure ownership stays with the caller.
func (h *SendHandle) SendMem(block *memory.Block, hint uint64, timeout *time.Duration) error {
	return h.sendBlock("send mem", block, hint, timeout, transferOwnership)
}

// SendMemReadOnly transmits block while the caller keeps ownership.
// The conversation holds its own reference until delivery completes.
func (h *SendHandle) SendMemReadOnly(block *memory.Block, hint uint64, timeout *time.Duration) error {
	return h.sendBlock("send mem read-only", block, hint, timeout, loanReadOnly)
}

// SendMemCopy transmits a copy of block, leaving the original
// untouched.
func (h *SendHandle) SendMemCopy(block *memory.Block, hint uint64, timeout *time.Duration) error {
	return h.sendBlock("send mem copy", block, hint, timeout, copyPayload)
}

func (h *SendHandle) sendBlock(op string, block *memory.Block, hint uint64, timeout *time.Duration, policy memSendPolicy) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errf(KindNotOpen, op, "handle closed")
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return errOf(KindInvalidArg, op, err)
	}
	if block == nil || block.Destroyed() {
		return errf(KindInvalidArg, op, "dead payload block")
	}
	if h.mode == modeMainBuffered {
		h.bufferLocked(block.Bytes(), hint)
		if policy == transferOwnership {
			releaseBlock(block)
		}
		return nil
	}
	payload := block
	switch policy {
	case loanReadOnly:
		payload = block.Retain()
	case copyPayload:
		dup, err := h.pool.Allocate(block.Size())
		if err != nil {
			return allocErr(op, err)
		}
		copy(dup.Bytes(), block.Bytes())
		payload = dup
	}
	msg := channels.Message{Block: payload, Hint: hint}
	return h.deliverLocked(op, msg, timeout, policy != transferOwnership)
}

// deliverLocked hands one message to the stream, synchronously or via
// the turbo pump. dropOnErr releases the payload reference when the
// hand-off fails.
func (h *SendHandle) deliverLocked(op string, msg channels.Message, timeout *time.Duration, dropOnErr bool) error {
	if h.pump != nil {
		if !h.pump.enqueue(msg, timeout) {
			if dropOnErr {
				releaseBlock(msg.Block)
			}
			return errf(KindTimeout, op, "turbo queue full")
		}
		observability.RecordSend(h.mode.String(), payloadSize(msg.Block))
		return nil
	}
	if err := h.stream.Send(msg, timeout); err != nil {
		if dropOnErr {
			releaseBlock(msg.Block)
		}
		return sendErr(op, err, h.allowTerminate)
	}
	observability.RecordSend(h.mode.String(), payloadSize(msg.Block))
	return nil
}

// Close flushes any coalesced payload, transmits the
// end-of-transmission marker, and retires the handle. The handle is
// closed on return even when the flush fails. Idempotent.
func (h *SendHandle) Close(timeout *time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked("close send", timeout)
}

func (h *SendHandle) closeLocked(op string, timeout *time.Duration) error {
	if h.closed {
		return nil
	}
	if err := channels.ValidateTimeout(timeout); err != nil {
		return errOf(KindInvalidArg, op, err)
	}
	runtime.SetFinalizer(h, nil)
	h.closed = true
	observability.RecordHandleClose("send")

	final := channels.Message{Flags: channels.FlagEOT}
	var flushErr error
	if h.buffering {
		if block, err := h.pool.Allocate(uint64(len(h.buf))); err != nil {
			flushErr = allocErr(op, err)
		} else {
			copy(block.Bytes(), h.buf)
			final.Block = block
			final.Hint = h.bufHint
		}
		h.buf = nil
		h.buffering = false
	}

	var sendFailure error
	if h.pump != nil {
		if !h.pump.enqueue(final, timeout) {
			releaseBlock(final.Block)
			h.pump.shutdown()
			h.pump.abort()
			sendFailure = errf(KindTimeout, op, "turbo queue full")
		} else if !h.pump.drain(timeout) {
			sendFailure = errf(KindTimeout, op, "turbo flush incomplete")
		}
	} else if err := h.stream.Send(final, timeout); err != nil {
		releaseBlock(final.Block)
		switch {
		case errors.Is(err, channels.ErrTerminated):
			// receiver already left the conversation
		case errors.Is(err, channels.ErrDestroyed):
			log.Warn().Str("fli", h.fli.uid.String()).Msg("stream destroyed before close")
		default:
			sendFailure = sendErr(op, err, h.allowTerminate)
		}
	}

	if h.mode == modeLent {
		h.releaseLentLocked(timeout)
	}
	log.Debug().Str("fli", h.fli.uid.String()).Stringer("mode", h.mode).Msg("send handle closed")
	if flushErr != nil {
		return flushErr
	}
	return sendFailure
}

// releaseLentLocked detaches from a borrowed stream. When the receiver
// terminated early the sender returns the token; after a clean close
// the receiver returns it once the conversation drains.
func (h *SendHandle) releaseLentLocked(timeout *time.Duration) {
	if h.stream.Terminated() {
		h.stream.Reset()
		if err := h.fli.returnBlob(h.lentToken, timeout); err != nil {
			log.Warn().Err(err).Msg("stream token lost after termination")
		}
	}
	h.stream.Detach()
	h.lentToken = nil
}

// implicitClose is the finalizer path: bounded and silent on failure.
func (h *SendHandle) implicitClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if err := h.closeLocked("implicit close", Timeout(cleanupTimeout)); err != nil {
		log.Debug().Err(err).Msg("implicit send close")
	}
}

// DisableAutoClose detaches the finalizer so an unreferenced handle is
// never closed implicitly.
func (h *SendHandle) DisableAutoClose() {
	runtime.SetFinalizer(h, nil)
}

// Closed reports whether the handle has been closed.
func (h *SendHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
