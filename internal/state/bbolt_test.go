package state

import (
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCacheSetGetDelete(t *testing.T) {
	s := newTestStore(t)

	const key = "groups:usr_123"

	// Miss before set
	_, ok, err := s.CacheGet(key)
	if err != nil || ok {
		t.Fatalf("CacheGet before set: err=%v, ok=%v", err, ok)
	}

	if err := s.CacheSet(key, []byte(`["grp_9"]`), time.Minute); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}

	data, ok, err := s.CacheGet(key)
	if err != nil || !ok {
		t.Fatalf("CacheGet after set: err=%v, ok=%v", err, ok)
	}
	if string(data) != `["grp_9"]` {
		t.Errorf("cached data = %q", data)
	}

	if err := s.CacheDelete(key); err != nil {
		t.Fatalf("CacheDelete: %v", err)
	}
	if _, ok, _ := s.CacheGet(key); ok {
		t.Error("entry should be gone after delete")
	}
}

func TestCacheEntryExpires(t *testing.T) {
	s := newTestStore(t)

	if err := s.CacheSet("profile:usr_1", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := s.CacheGet("profile:usr_1"); ok {
		t.Error("expired entry should not be returned")
	}
}

func TestPruneExpiredCache(t *testing.T) {
	s := newTestStore(t)

	_ = s.CacheSet("a", []byte("1"), 10*time.Millisecond)
	_ = s.CacheSet("b", []byte("2"), time.Hour)
	time.Sleep(30 * time.Millisecond)

	pruned, err := s.PruneExpiredCache()
	if err != nil {
		t.Fatalf("PruneExpiredCache: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, ok, _ := s.CacheGet("b"); !ok {
		t.Error("live entry should survive prune")
	}
}

func TestRateReserveWithinBudget(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		wait, err := s.RateReserve("upstream", time.Minute, 5)
		if err != nil {
			t.Fatalf("RateReserve: %v", err)
		}
		if wait != 0 {
			t.Fatalf("call %d within budget should not wait, got %s", i, wait)
		}
	}

	// 6th call exceeds the budget
	wait, err := s.RateReserve("upstream", time.Minute, 5)
	if err != nil {
		t.Fatalf("RateReserve: %v", err)
	}
	if wait <= 0 {
		t.Error("over-budget call should report a positive wait")
	}
	if wait > time.Minute {
		t.Errorf("wait %s exceeds window", wait)
	}
}

func TestRateReserveWindowSlides(t *testing.T) {
	s := newTestStore(t)

	window := 50 * time.Millisecond
	if wait, _ := s.RateReserve("x", window, 1); wait != 0 {
		t.Fatal("first call should pass")
	}
	if wait, _ := s.RateReserve("x", window, 1); wait == 0 {
		t.Fatal("second call inside window should wait")
	}
	time.Sleep(60 * time.Millisecond)
	if wait, _ := s.RateReserve("x", window, 1); wait != 0 {
		t.Error("call after window slide should pass")
	}
}

func TestRateReserveUnlimited(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 100; i++ {
		if wait, err := s.RateReserve("x", time.Minute, 0); err != nil || wait != 0 {
			t.Fatalf("unlimited gate should never wait: wait=%s err=%v", wait, err)
		}
	}
}

func TestRateReserveConcurrentNeverExceedsBudget(t *testing.T) {
	s := newTestStore(t)

	const max = 10
	var mu sync.Mutex
	admitted := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait, err := s.RateReserve("burst", time.Minute, max)
			if err != nil {
				t.Errorf("RateReserve: %v", err)
				return
			}
			if wait == 0 {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != max {
		t.Errorf("admitted = %d, want exactly %d", admitted, max)
	}
}

func TestPruneExpiredRateEntries(t *testing.T) {
	s := newTestStore(t)

	window := 20 * time.Millisecond
	_, _ = s.RateReserve("old", window, 10)
	time.Sleep(40 * time.Millisecond)

	pruned, err := s.PruneExpiredRateEntries(window)
	if err != nil {
		t.Fatalf("PruneExpiredRateEntries: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t)
	size, err := s.SizeBytes()
	if err != nil {
		t.Fatalf("SizeBytes: %v", err)
	}
	if size <= 0 {
		t.Error("db file should have nonzero size")
	}
}
