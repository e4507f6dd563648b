package queue

import (
	"fmt"
	"sync"
	"testing"
)

func TestAdmission_ReserveUpToMax(t *testing.T) {
	q := New(3)
	for i := 0; i < 3; i++ {
		if !q.TryReserve("u1", fmt.Sprintf("item-%d", i)) {
			t.Fatalf("reservation %d should succeed", i)
		}
	}
	if q.TryReserve("u1", "item-3") {
		t.Fatal("fourth reservation must fail")
	}
	if q.Size("u1") != 3 {
		t.Fatalf("rejected reservation must not mutate state, size=%d", q.Size("u1"))
	}
}

func TestAdmission_UsersAreIndependent(t *testing.T) {
	q := New(1)
	if !q.TryReserve("u1", "a") {
		t.Fatal("u1 should reserve")
	}
	if !q.TryReserve("u2", "a") {
		t.Fatal("u2 must not be limited by u1")
	}
}

func TestAdmission_ReleaseRemovesEmptySet(t *testing.T) {
	q := New(3)
	q.TryReserve("u1", "a")
	q.TryReserve("u1", "b")

	q.Release("u1", "a")
	if q.Users() != 1 || q.Size("u1") != 1 {
		t.Fatalf("expected one remaining item, users=%d size=%d", q.Users(), q.Size("u1"))
	}
	q.Release("u1", "b")
	if q.Users() != 0 {
		t.Fatalf("empty set should be deleted, users=%d", q.Users())
	}
}

func TestAdmission_ReleaseUnknownIsNoop(t *testing.T) {
	q := New(3)
	q.Release("ghost", "a")
	q.TryReserve("u1", "a")
	q.Release("u1", "b")
	if q.Size("u1") != 1 {
		t.Fatalf("releasing an unknown item must not touch others, size=%d", q.Size("u1"))
	}
}

func TestAdmission_SharedItemHeldUntilLastRelease(t *testing.T) {
	q := New(2)
	if !q.TryReserve("u1", "yt-abc") || !q.TryReserve("u1", "yt-abc") {
		t.Fatal("both batches should reserve the same file")
	}
	if q.Size("u1") != 1 {
		t.Fatalf("a shared file takes one slot, size=%d", q.Size("u1"))
	}

	q.Release("u1", "yt-abc")
	if q.Size("u1") != 1 {
		t.Fatalf("slot freed while the other batch still runs, size=%d", q.Size("u1"))
	}
	q.TryReserve("u1", "tt-1")
	if q.TryReserve("u1", "tt-2") {
		t.Fatal("user should still be at capacity")
	}

	q.Release("u1", "yt-abc")
	if q.Size("u1") != 1 {
		t.Fatalf("expected only tt-1 left, size=%d", q.Size("u1"))
	}
}

func TestAdmission_DefaultMax(t *testing.T) {
	if New(0).Max() != DefaultMaxPerUser {
		t.Fatalf("expected default max %d", DefaultMaxPerUser)
	}
}

func TestAdmission_ConcurrentReserve(t *testing.T) {
	q := New(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if q.TryReserve("u1", fmt.Sprintf("item-%d", i)) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if accepted != 3 {
		t.Fatalf("expected exactly 3 accepted, got %d", accepted)
	}
}
