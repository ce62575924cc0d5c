package fli

import (
	"io"
	"time"
)

// Writer adapts a send handle to io.Writer. Each Write becomes one
// message carrying the configured hint.
type Writer struct {
	h       *SendHandle
	hint    uint64
	timeout *time.Duration
}

// NewWriter wraps h; timeout applies to every Write.
func NewWriter(h *SendHandle, hint uint64, timeout *time.Duration) *Writer {
	return &Writer{h: h, hint: hint, timeout: timeout}
}

func (w *Writer) Write(p []byte) (int, error) {
	if err := w.h.SendBytes(p, w.hint, w.timeout); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Reader adapts a receive handle to io.Reader, re-slicing message
// boundaries into a continuous byte stream. End of transmission
// surfaces as io.EOF.
type Reader struct {
	h       *RecvHandle
	timeout *time.Duration
	cur     []byte
	hint    uint64
	eof     bool
}

// NewReader wraps h; timeout applies to every underlying receive.
func NewReader(h *RecvHandle, timeout *time.Duration) *Reader {
	return &Reader{h: h, timeout: timeout}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	for len(r.cur) == 0 {
		data, hint, err := r.h.RecvBytes(0, r.timeout)
		if err != nil {
			if KindOf(err) == KindEOT {
				r.eof = true
				return 0, io.EOF
			}
			return 0, err
		}
		r.cur, r.hint = data, hint
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// Hint reports the hint of the message currently being consumed.
func (r *Reader) Hint() uint64 { return r.hint }
