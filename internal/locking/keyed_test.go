package locking

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	keyed := NewKeyed()

	var order []int
	var mu sync.Mutex
	record := func(value int) {
		mu.Lock()
		order = append(order, value)
		mu.Unlock()
	}

	keyed.Lock("a")

	released := make(chan struct{})
	go func() {
		keyed.Lock("a")
		record(2)
		keyed.Unlock("a")
		close(released)
	}()

	time.Sleep(20 * time.Millisecond)
	record(1)
	keyed.Unlock("a")

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("second holder never acquired the key")
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestKeyedIndependentKeysDoNotBlock(t *testing.T) {
	keyed := NewKeyed()
	keyed.Lock("a")
	defer keyed.Unlock("a")

	acquired := make(chan struct{})
	go func() {
		keyed.Lock("b")
		keyed.Unlock("b")
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("unrelated key was blocked")
	}
}

func TestKeyedFreesEntriesAfterUnlock(t *testing.T) {
	keyed := NewKeyed()
	keyed.Lock("a")
	keyed.Unlock("a")

	keyed.mu.Lock()
	remaining := len(keyed.entries)
	keyed.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no retained entries, got %d", remaining)
	}
}

func TestTryKeyedSkipsHeldKey(t *testing.T) {
	tryKeyed := NewTryKeyed()

	if !tryKeyed.TryAcquire("tenant-a") {
		t.Fatalf("expected first acquire to succeed")
	}
	if tryKeyed.TryAcquire("tenant-a") {
		t.Fatalf("expected second acquire of held key to fail")
	}
	if !tryKeyed.TryAcquire("tenant-b") {
		t.Fatalf("expected acquire of unrelated key to succeed")
	}
	if !tryKeyed.Held("tenant-a") {
		t.Fatalf("expected tenant-a to be held")
	}

	tryKeyed.Release("tenant-a")
	if tryKeyed.Held("tenant-a") {
		t.Fatalf("expected tenant-a to be free after release")
	}
	if !tryKeyed.TryAcquire("tenant-a") {
		t.Fatalf("expected acquire to succeed after release")
	}
}
