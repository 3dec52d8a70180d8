package store

import (
	"context"
	"testing"
	"time"
)

func newTestLocal(t *testing.T) *LocalCoordinator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewLocalCoordinator(ctx)
}

func TestLocalCoordinator_SetGetDel(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)
	ctx := context.Background()

	if _, err := l.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := l.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := l.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("Get = %q, %v; want %q, nil", v, err, "v")
	}

	if err := l.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := l.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after Del, got %v", err)
	}
}

func TestLocalCoordinator_SetNXOnlyWinsOnce(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)
	ctx := context.Background()

	first, err := l.SetNX(ctx, "lock", "owner-a", time.Minute)
	if err != nil || !first {
		t.Fatalf("first SetNX should win: %v, %v", first, err)
	}
	second, err := l.SetNX(ctx, "lock", "owner-b", time.Minute)
	if err != nil || second {
		t.Fatalf("second SetNX should lose: %v, %v", second, err)
	}
}

func TestLocalCoordinator_CompareAndDeleteRequiresMatchingOwner(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)
	ctx := context.Background()

	if _, err := l.SetNX(ctx, "lock", "owner-a", time.Minute); err != nil {
		t.Fatalf("SetNX: %v", err)
	}

	ok, err := l.CompareAndDelete(ctx, "lock", "owner-b")
	if err != nil || ok {
		t.Fatalf("CompareAndDelete with wrong owner should fail: %v, %v", ok, err)
	}

	ok, err = l.CompareAndDelete(ctx, "lock", "owner-a")
	if err != nil || !ok {
		t.Fatalf("CompareAndDelete with correct owner should succeed: %v, %v", ok, err)
	}
}

func TestLocalCoordinator_ExpiredEntryIsAbsent(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Set(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected expired key to read as ErrNotFound, got %v", err)
	}
}

func TestLocalCoordinator_HashAndSetOps(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.HSet(ctx, "h", map[string]string{"a": "1"}, 0); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := l.HSet(ctx, "h", map[string]string{"b": "2"}, 0); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	got, err := l.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if got["a"] != "1" || got["b"] != "2" {
		t.Fatalf("HGetAll merged fields incorrectly: %v", got)
	}

	if err := l.SAdd(ctx, "s", 0, "x", "y"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	members, err := l.SMembers(ctx, "s")
	if err != nil || len(members) != 2 {
		t.Fatalf("SMembers = %v, %v; want 2 members", members, err)
	}

	if err := l.SRem(ctx, "s", "x", "y"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	members, err = l.SMembers(ctx, "s")
	if err != nil || len(members) != 0 {
		t.Fatalf("expected empty set after removing last member, got %v", members)
	}
}

func TestLocalCoordinator_Ping(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
