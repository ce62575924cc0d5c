package memory

import (
	"errors"
	"testing"

	"github.com/j-r-jones/dragon/internal/testutil/testlog"
)

func TestPoolAccounting(t *testing.T) {
	testlog.Start(t)
	p, err := New(t.Name(), 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := p.Allocate(512)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := p.UsedBytes(); got != 512 {
		t.Fatalf("UsedBytes = %d, want 512", got)
	}
	if got := p.FreeBytes(); got != 512 {
		t.Fatalf("FreeBytes = %d, want 512", got)
	}
	if got := p.AllocatedBlocks(); got != 1 {
		t.Fatalf("AllocatedBlocks = %d, want 1", got)
	}
	if _, err := p.Allocate(600); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Allocate over budget = %v, want ErrPoolFull", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := p.UsedBytes(); got != 0 {
		t.Fatalf("UsedBytes after release = %d, want 0", got)
	}
	if _, err := p.Allocate(600); err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
}

func TestAllocateTooLarge(t *testing.T) {
	testlog.Start(t)
	p, err := New(t.Name(), 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Allocate(129); !errors.Is(err, ErrSizeTooLarge) {
		t.Fatalf("Allocate = %v, want ErrSizeTooLarge", err)
	}
}

func TestInvalidCapacity(t *testing.T) {
	testlog.Start(t)
	if _, err := New(t.Name(), 0); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("New = %v, want ErrInvalidCapacity", err)
	}
}

func TestPoolDestroy(t *testing.T) {
	testlog.Start(t)
	p, err := New(t.Name(), 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if _, err := p.Allocate(1); !errors.Is(err, ErrPoolDestroyed) {
		t.Fatalf("Allocate after destroy = %v, want ErrPoolDestroyed", err)
	}
	if !b.Destroyed() {
		t.Fatal("block survived pool destroy")
	}
	if b.Bytes() != nil {
		t.Fatal("Bytes non-nil after pool destroy")
	}
	if _, ok := Lookup(p.UID()); ok {
		t.Fatal("destroyed pool still resident")
	}
}

func TestLookup(t *testing.T) {
	testlog.Start(t)
	p, err := New(t.Name(), 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, ok := Lookup(p.UID())
	if !ok || got != p {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
}

func TestDefaultPoolSingleton(t *testing.T) {
	testlog.Start(t)
	a, b := DefaultPool(), DefaultPool()
	if a != b {
		t.Fatal("DefaultPool returned distinct pools")
	}
	if a.Capacity() == 0 {
		t.Fatal("default pool has zero capacity")
	}
}
