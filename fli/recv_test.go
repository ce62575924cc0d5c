package fli

import (
	"errors"
	"testing"
	"time"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/internal/testutil/testlog"
	"github.com/j-r-jones/dragon/memory"
)

func openPair(t *testing.T, f *FLI, sc *channels.Channel) (*SendHandle, *RecvHandle) {
	t.Helper()
	sh, err := f.OpenSend(SendConfig{StreamChannel: sc})
	if err != nil {
		t.Fatalf("OpenSend: %v", err)
	}
	rh, err := f.OpenRecv(RecvConfig{StreamChannel: sc})
	if err != nil {
		t.Fatalf("OpenRecv: %v", err)
	}
	return sh, rh
}

func TestRecvBytesTruncation(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	if err := sh.SendBytes([]byte("0123456789"), 0, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	data, _, err := rh.RecvBytes(4, wait(time.Second))
	if err != nil {
		t.Fatalf("RecvBytes: %v", err)
	}
	if string(data) != "0123" {
		t.Fatalf("RecvBytes = %q, want %q", data, "0123")
	}
	// the remainder is gone with the message, not requeued
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if _, _, err := rh.RecvBytes(0, wait(time.Second)); KindOf(err) != KindEOT {
		t.Fatalf("next = %v, want end of transmission", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestZeroLengthMessageIsNotEOT(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	if err := sh.SendBytes(nil, 3, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes empty: %v", err)
	}
	data, hint, err := rh.RecvBytes(0, wait(time.Second))
	if err != nil {
		t.Fatalf("RecvBytes empty = %v, want nil", err)
	}
	if len(data) != 0 || hint != 3 {
		t.Fatalf("RecvBytes empty = %q hint %d, want empty hint 3", data, hint)
	}
	if rh.StreamReceived() {
		t.Fatal("StreamReceived before the sender closed")
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if _, _, err := rh.RecvBytes(0, wait(time.Second)); KindOf(err) != KindEOT {
		t.Fatalf("after close = %v, want end of transmission", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestRecvBytesInto(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	if err := sh.SendBytes([]byte("abcdef"), 11, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	buf := make([]byte, 4)
	n, hint, err := rh.RecvBytesInto(buf, wait(time.Second))
	if err != nil {
		t.Fatalf("RecvBytesInto: %v", err)
	}
	if n != 4 || string(buf) != "abcd" || hint != 11 {
		t.Fatalf("RecvBytesInto = %d %q hint %d", n, buf, hint)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestRecvMemOwnershipTransfer(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	sent, err := pool.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(sent.Bytes(), "payload!")
	if err := sh.SendMem(sent, 3, wait(time.Second)); err != nil {
		t.Fatalf("SendMem: %v", err)
	}
	got, hint, err := rh.RecvMem(wait(time.Second))
	if err != nil {
		t.Fatalf("RecvMem: %v", err)
	}
	if got != sent {
		t.Fatal("RecvMem did not hand over the sender's block")
	}
	if hint != 3 || string(got.Bytes()) != "payload!" {
		t.Fatalf("RecvMem = %q hint %d", got.Bytes(), hint)
	}
	if err := got.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if used := pool.UsedBytes(); used != 0 {
		t.Fatalf("pool used after release = %d, want 0", used)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestSendMemReadOnlyKeepsOwnership(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	block, err := pool.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(block.Bytes(), "loan")
	if err := sh.SendMemReadOnly(block, 0, wait(time.Second)); err != nil {
		t.Fatalf("SendMemReadOnly: %v", err)
	}
	if block.Refs() != 2 {
		t.Fatalf("refs after loan = %d, want 2", block.Refs())
	}
	data, _, err := rh.RecvBytes(0, wait(time.Second))
	if err != nil {
		t.Fatalf("RecvBytes: %v", err)
	}
	if string(data) != "loan" {
		t.Fatalf("RecvBytes = %q", data)
	}
	// the conversation's reference is gone; the caller's remains
	if block.Refs() != 1 || block.Destroyed() {
		t.Fatalf("refs after delivery = %d destroyed %v", block.Refs(), block.Destroyed())
	}
	if err := block.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestSendMemCopyLeavesOriginal(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	block, err := pool.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(block.Bytes(), "orig")
	if err := sh.SendMemCopy(block, 0, wait(time.Second)); err != nil {
		t.Fatalf("SendMemCopy: %v", err)
	}
	copy(block.Bytes(), "mut!")
	data, _, err := rh.RecvBytes(0, wait(time.Second))
	if err != nil {
		t.Fatalf("RecvBytes: %v", err)
	}
	if string(data) != "orig" {
		t.Fatalf("RecvBytes = %q, want pre-mutation copy", data)
	}
	if err := block.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestRecvOutOfMemoryDiscards(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	tiny, err := memory.New("tiny-landing", 64)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { tiny.Destroy() })
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })

	sh, err := f.OpenSend(SendConfig{StreamChannel: sc})
	if err != nil {
		t.Fatalf("OpenSend: %v", err)
	}
	rh, err := f.OpenRecv(RecvConfig{StreamChannel: sc, DestinationPool: tiny})
	if err != nil {
		t.Fatalf("OpenRecv: %v", err)
	}

	if err := sh.SendBytes(make([]byte, 128), 0, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	_, _, err = rh.RecvBytes(0, wait(time.Second))
	if KindOf(err) != KindOutOfMemory || !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("RecvBytes = %v, want out of memory", err)
	}
	// the oversized message was consumed, not requeued
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if _, _, err := rh.RecvBytes(0, wait(time.Second)); KindOf(err) != KindEOT {
		t.Fatalf("next = %v, want end of transmission", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
	if used := pool.UsedBytes(); used != 0 {
		t.Fatalf("source pool used = %d, want 0", used)
	}
}

func TestRecvDestroyedPayload(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	doomed, err := memory.New("short-lived", 1<<12)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	first, err := doomed.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(first.Bytes(), "gone")
	second, err := doomed.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(second.Bytes(), "too ")
	if err := sh.SendMem(first, 1, wait(time.Second)); err != nil {
		t.Fatalf("SendMem: %v", err)
	}
	if err := sh.SendMem(second, 2, wait(time.Second)); err != nil {
		t.Fatalf("SendMem: %v", err)
	}
	if err := doomed.Destroy(); err != nil {
		t.Fatalf("Destroy pool: %v", err)
	}

	// the messages exist but their backing storage is gone
	_, _, err = rh.RecvMem(wait(time.Second))
	if KindOf(err) != KindMessageDestroyed || !errors.Is(err, ErrMessageDestroyed) {
		t.Fatalf("RecvMem = %v, want message destroyed", err)
	}
	if _, _, err := rh.RecvBytes(0, wait(time.Second)); KindOf(err) != KindMessageDestroyed {
		t.Fatalf("RecvBytes = %v, want message destroyed", err)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if _, _, err := rh.RecvBytes(0, wait(time.Second)); KindOf(err) != KindEOT {
		t.Fatalf("next = %v, want end of transmission", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestRecvBytesRetained(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	if err := sh.SendBytes([]byte("keep"), 0, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	data, _, err := rh.RecvBytesRetained(0, wait(time.Second))
	if err != nil {
		t.Fatalf("RecvBytesRetained: %v", err)
	}
	if string(data) != "keep" {
		t.Fatalf("RecvBytesRetained = %q", data)
	}
	// the landing block stays charged to the pool
	if used := pool.UsedBytes(); used != 4 {
		t.Fatalf("pool used = %d, want 4", used)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}
	if string(data) != "keep" {
		t.Fatalf("retained view mutated to %q", data)
	}
}

func TestRecvCloseWithUndelivered(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	if err := sh.SendBytes([]byte("one"), 0, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes one: %v", err)
	}
	if err := sh.SendBytes([]byte("two"), 0, wait(time.Second)); err != nil {
		t.Fatalf("SendBytes two: %v", err)
	}
	err = rh.Close(wait(0))
	if !errors.Is(err, ErrUndeliveredData) {
		t.Fatalf("Close = %v, want ErrUndeliveredData", err)
	}
	// idempotent: the second close reports nothing
	if err := rh.Close(wait(0)); err != nil {
		t.Fatalf("second Close = %v", err)
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if used := pool.UsedBytes(); used != 0 {
		t.Fatalf("pool used = %d, want 0", used)
	}
}

func TestRecvCloseAfterEOTReportsClean(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if _, _, err := rh.RecvBytes(0, wait(time.Second)); KindOf(err) != KindEOT {
		t.Fatalf("RecvBytes = %v, want end of transmission", err)
	}
	if err := rh.Close(wait(0)); err != nil {
		t.Fatalf("Close recv = %v, want nil after marker", err)
	}
}

func TestRecvTimeoutKind(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)
	defer func() { _ = sh.Close(wait(time.Second)) }()

	_, _, err = rh.RecvBytes(0, wait(10*time.Millisecond))
	if KindOf(err) != KindTimeout {
		t.Fatalf("RecvBytes = %v, want timeout kind", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("RecvBytes = %v, want ErrTimeout match", err)
	}
	if !errors.Is(err, channels.ErrTimeout) {
		t.Fatalf("RecvBytes = %v, want channel cause preserved", err)
	}
	if err := rh.Close(wait(0)); err != nil && !errors.Is(err, ErrUndeliveredData) {
		t.Fatalf("Close recv: %v", err)
	}
}

func TestRecvValidation(t *testing.T) {
	testlog.Start(t)
	pool := newTestPool(t)
	sc := newStream(t, pool, 4)
	f, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	sh, rh := openPair(t, f, sc)

	bad := -time.Second
	if _, _, err := rh.RecvBytes(0, &bad); KindOf(err) != KindInvalidArg {
		t.Fatalf("negative timeout = %v, want invalid argument", err)
	}
	if _, _, err := rh.RecvMem(&bad); KindOf(err) != KindInvalidArg {
		t.Fatalf("RecvMem negative timeout = %v, want invalid argument", err)
	}
	if err := rh.Close(&bad); KindOf(err) != KindInvalidArg {
		t.Fatalf("Close negative timeout = %v, want invalid argument", err)
	}
	if rh.Closed() {
		t.Fatal("handle closed by rejected Close")
	}
	if err := sh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close send: %v", err)
	}
	if err := rh.Close(wait(time.Second)); err != nil {
		t.Fatalf("Close recv: %v", err)
	}

	_, _, err = rh.RecvBytes(0, wait(time.Second))
	if KindOf(err) != KindNotOpen || !errors.Is(err, ErrNotOpen) {
		t.Fatalf("RecvBytes after close = %v, want not open", err)
	}
}
