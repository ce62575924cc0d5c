package fli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/j-r-jones/dragon/channels"
)

// fdChunkSize is the default slicing size for descriptor bridges.
const fdChunkSize = 64 * 1024

// sendBridge pumps bytes written to an OS pipe into the handle.
type sendBridge struct {
	file *os.File
	done chan struct{}
}

// CreateFD returns an OS-level file descriptor whose writes feed this
// handle. With buffered set everything accumulates into one message
// delivered when the pipe closes; otherwise writes are sliced into
// chunkSize messages (chunkSize <= 0 selects the default). hint rides
// on every chunk and timeout bounds each underlying send. Call
// FinalizeFD when done writing, before closing the handle.
func (h *SendHandle) CreateFD(buffered bool, chunkSize int, hint uint64, timeout *time.Duration) (*os.File, error) {
	const op = "create fd"
	if err := channels.ValidateTimeout(timeout); err != nil {
		return nil, errOf(KindInvalidArg, op, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errf(KindNotOpen, op, "handle closed")
	}
	if h.bridge != nil {
		return nil, errf(KindInvalidArg, op, "bridge already active")
	}
	if chunkSize <= 0 {
		chunkSize = fdChunkSize
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errOf(KindProtocol, op, err)
	}
	b := &sendBridge{file: w, done: make(chan struct{})}
	h.bridge = b
	go h.pumpOut(r, buffered, chunkSize, hint, timeout, b.done)
	return w, nil
}

// pumpOut drains the pipe into sends until EOF.
func (h *SendHandle) pumpOut(r *os.File, buffered bool, chunkSize int, hint uint64, timeout *time.Duration, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = r.Close() }()
	if buffered {
		data, err := io.ReadAll(r)
		if err != nil {
			log.Warn().Err(err).Msg("fd bridge read failed")
			return
		}
		if err := h.SendBytes(data, hint, timeout); err != nil {
			log.Warn().Err(err).Msg("fd bridge send failed")
		}
		return
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if serr := h.SendBytes(buf[:n], hint, timeout); serr != nil {
				log.Warn().Err(serr).Msg("fd bridge send failed")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn().Err(err).Msg("fd bridge read failed")
			}
			return
		}
	}
}

// FinalizeFD closes the bridge's write side and waits for queued bytes
// to reach the stream, bounded by the timeout convention.
func (h *SendHandle) FinalizeFD(timeout *time.Duration) error {
	const op = "finalize fd"
	if err := channels.ValidateTimeout(timeout); err != nil {
		return errOf(KindInvalidArg, op, err)
	}
	h.mu.Lock()
	b := h.bridge
	h.bridge = nil
	h.mu.Unlock()
	if b == nil {
		return errf(KindInvalidArg, op, "no bridge active")
	}
	_ = b.file.Close()
	return waitBridge(op, b.done, timeout)
}

// recvBridge replays the conversation's bytes through an OS pipe.
type recvBridge struct {
	file *os.File
	done chan struct{}
}

// CreateFD returns an OS-level file descriptor that replays the
// conversation's bytes. The descriptor reaches EOF when the sender
// closes the stream; timeout bounds each underlying receive. Call
// FinalizeFD after consuming, before closing the handle.
func (h *RecvHandle) CreateFD(timeout *time.Duration) (*os.File, error) {
	const op = "create fd"
	if err := channels.ValidateTimeout(timeout); err != nil {
		return nil, errOf(KindInvalidArg, op, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errf(KindNotOpen, op, "handle closed")
	}
	if h.bridge != nil {
		return nil, errf(KindInvalidArg, op, "bridge already active")
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errOf(KindProtocol, op, err)
	}
	b := &recvBridge{file: r, done: make(chan struct{})}
	h.bridge = b
	go h.pumpIn(w, timeout, b.done)
	return r, nil
}

// pumpIn replays received messages into the pipe until the stream
// ends.
func (h *RecvHandle) pumpIn(w *os.File, timeout *time.Duration, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = w.Close() }()
	for {
		data, _, err := h.RecvBytes(0, timeout)
		if err != nil {
			if KindOf(err) != KindEOT {
				log.Warn().Err(err).Msg("fd bridge receive failed")
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		if _, werr := w.Write(data); werr != nil {
			log.Warn().Err(werr).Msg("fd bridge write failed")
			return
		}
	}
}

// FinalizeFD waits for the bridge to finish replaying the
// conversation, bounded by the timeout convention.
func (h *RecvHandle) FinalizeFD(timeout *time.Duration) error {
	const op = "finalize fd"
	if err := channels.ValidateTimeout(timeout); err != nil {
		return errOf(KindInvalidArg, op, err)
	}
	h.mu.Lock()
	b := h.bridge
	h.bridge = nil
	h.mu.Unlock()
	if b == nil {
		return errf(KindInvalidArg, op, "no bridge active")
	}
	return waitBridge(op, b.done, timeout)
}

// waitBridge blocks on a bridge completion signal under the timeout
// convention.
func waitBridge(op string, done <-chan struct{}, timeout *time.Duration) error {
	if timeout == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if *timeout == 0 {
		return errf(KindTimeout, op, "bridge still draining")
	}
	t := time.NewTimer(*timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return errf(KindTimeout, op, "bridge still draining")
	}
}
