package fli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/internal/testutil/testlog"
	"github.com/j-r-jones/dragon/memory"
)

func TestKindOf(t *testing.T) {
	testlog.Start(t)
	err := errOf(KindTimeout, "send bytes", channels.ErrTimeout)
	if got := KindOf(err); got != KindTimeout {
		t.Fatalf("KindOf(direct) = %v, want %v", got, KindTimeout)
	}
	wrapped := fmt.Errorf("caller context: %w", err)
	if got := KindOf(wrapped); got != KindTimeout {
		t.Fatalf("KindOf(wrapped) = %v, want %v", got, KindTimeout)
	}
	if got := KindOf(errors.New("foreign")); got != KindNone {
		t.Fatalf("KindOf(foreign) = %v, want %v", got, KindNone)
	}
	if got := KindOf(nil); got != KindNone {
		t.Fatalf("KindOf(nil) = %v, want %v", got, KindNone)
	}
}

func TestSentinelMatching(t *testing.T) {
	testlog.Start(t)
	timeout := errOf(KindTimeout, "recv bytes", channels.ErrTimeout)
	if !errors.Is(timeout, ErrTimeout) {
		t.Fatal("timeout does not match ErrTimeout")
	}
	if errors.Is(timeout, ErrProtocol) {
		t.Fatal("timeout matches ErrProtocol")
	}
	// operation names never affect matching
	other := errOf(KindTimeout, "open send", channels.ErrTimeout)
	if !errors.Is(other, ErrTimeout) {
		t.Fatal("timeout with different op does not match ErrTimeout")
	}
	// the channel-level cause stays reachable
	if !errors.Is(timeout, channels.ErrTimeout) {
		t.Fatal("channel cause lost from chain")
	}
}

func TestUndeliveredDataDiscrimination(t *testing.T) {
	testlog.Start(t)
	undelivered := errOf(KindProtocol, "close recv", errUndelivered)
	if !errors.Is(undelivered, ErrUndeliveredData) {
		t.Fatal("undelivered close does not match ErrUndeliveredData")
	}
	if !errors.Is(undelivered, ErrProtocol) {
		t.Fatal("undelivered close does not match ErrProtocol")
	}
	// other protocol failures must not masquerade as undelivered data
	plain := errf(KindProtocol, "open send", "empty stream token")
	if errors.Is(plain, ErrUndeliveredData) {
		t.Fatal("unrelated protocol failure matches ErrUndeliveredData")
	}
	if !errors.Is(plain, ErrProtocol) {
		t.Fatal("protocol failure does not match ErrProtocol")
	}
}

func TestErrorFormatting(t *testing.T) {
	testlog.Start(t)
	err := errOf(KindTimeout, "send bytes", channels.ErrTimeout)
	want := "fli: send bytes: timeout: channels: operation timed out"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	bare := errOf(KindEOT, "recv bytes", nil)
	if got := bare.Error(); got != "fli: recv bytes: end of transmission" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestKindStrings(t *testing.T) {
	testlog.Start(t)
	cases := map[Kind]string{
		KindNone:             "unclassified",
		KindTimeout:          "timeout",
		KindEOT:              "end of transmission",
		KindEndOfStream:      "end of stream",
		KindOutOfMemory:      "out of memory",
		KindMessageDestroyed: "message destroyed",
		KindInvalidArg:       "invalid argument",
		KindNotOpen:          "handle not open",
		KindProtocol:         "protocol failure",
		KindCreation:         "creation failure",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestChannelFailureMapping(t *testing.T) {
	testlog.Start(t)
	sendCases := []struct {
		err            error
		allowTerminate bool
		want           Kind
	}{
		{channels.ErrTimeout, false, KindTimeout},
		{channels.ErrTerminated, true, KindEndOfStream},
		{channels.ErrTerminated, false, KindProtocol},
		{channels.ErrInvalidTimeout, false, KindInvalidArg},
		{channels.ErrDestroyed, false, KindProtocol},
	}
	for _, tc := range sendCases {
		if got := KindOf(sendErr("op", tc.err, tc.allowTerminate)); got != tc.want {
			t.Fatalf("sendErr(%v, terminate=%v) = %v, want %v", tc.err, tc.allowTerminate, got, tc.want)
		}
	}

	recvCases := []struct {
		err  error
		want Kind
	}{
		{channels.ErrTimeout, KindTimeout},
		{channels.ErrEOT, KindEOT},
		{channels.ErrInvalidTimeout, KindInvalidArg},
		{channels.ErrDestroyed, KindProtocol},
	}
	for _, tc := range recvCases {
		if got := KindOf(recvErr("op", tc.err)); got != tc.want {
			t.Fatalf("recvErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}

	allocCases := []struct {
		err  error
		want Kind
	}{
		{memory.ErrPoolFull, KindOutOfMemory},
		{memory.ErrSizeTooLarge, KindOutOfMemory},
		{memory.ErrPoolDestroyed, KindOutOfMemory},
		{memory.ErrBlockReleased, KindProtocol},
	}
	for _, tc := range allocCases {
		if got := KindOf(allocErr("op", tc.err)); got != tc.want {
			t.Fatalf("allocErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
