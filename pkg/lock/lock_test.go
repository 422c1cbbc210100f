package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
		counter atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "user-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			v := counter.Load()
			time.Sleep(2 * time.Millisecond)
			counter.Store(v + 1)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if got := counter.Load(); got != 8 {
		t.Fatalf("lost update: counter=%d", got)
	}
}

func exerciseTimeout(t *testing.T, l Locker) {
	t.Helper()
	unlock, err := l.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "busy"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got: %v", err)
	}

	other, err := l.Lock(context.Background(), "free")
	if err != nil {
		t.Fatalf("independent key should not block: %v", err)
	}
	other()
	other()
}

func TestLocalLocker(t *testing.T) {
	t.Run("mutual exclusion", func(t *testing.T) { exerciseMutualExclusion(t, NewLocalLocker()) })
	t.Run("timeout", func(t *testing.T) { exerciseTimeout(t, NewLocalLocker()) })
}

func TestLocalLockerReleasesSlots(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.slots) != 0 {
		t.Fatalf("expected slots to be released, got %d", len(l.slots))
	}
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedisLocker(client, RedisLockerConfig{Prefix: "test:lock", Retry: time.Millisecond})
	if err != nil {
		t.Fatalf("new redis locker: %v", err)
	}
	return l, mr
}

func TestRedisLocker(t *testing.T) {
	t.Run("mutual exclusion", func(t *testing.T) {
		l, _ := newRedisLocker(t)
		exerciseMutualExclusion(t, l)
	})
	t.Run("timeout", func(t *testing.T) {
		l, _ := newRedisLocker(t)
		exerciseTimeout(t, l)
	})
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t)
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Simulate expiry followed by another holder.
	if err := mr.Set("test:lock:k", "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()
	got, err := mr.Get("test:lock:k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "someone-else" {
		t.Fatalf("release removed a lock it did not own: %q", got)
	}
}

func TestNewRedisLockerRequiresClient(t *testing.T) {
	if _, err := NewRedisLocker(nil, RedisLockerConfig{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
