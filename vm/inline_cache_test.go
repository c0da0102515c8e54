package vm

import "testing"

func TestCacheFirstCallMiss(t *testing.T) {
	m := NewInlineCacheManager()
	site := CallSiteKey(0, 7)

	res := m.Check(site, 100)
	if res.Hit {
		t.Fatal("probe of empty site hit")
	}
	if res.Reason != MissFirstCall {
		t.Errorf("reason = %v, want first call", res.Reason)
	}
	if m.State(site) != CacheInvalid {
		t.Errorf("state = %v, want invalid", m.State(site))
	}
}

func TestCacheMonomorphicTransition(t *testing.T) {
	m := NewInlineCacheManager()
	site := CallSiteKey(1, 0)

	m.Update(site, CacheEntry{ReceiverTypeID: 100, MethodOffset: 8})
	if m.State(site) != CacheMonomorphic {
		t.Fatalf("state = %v, want monomorphic", m.State(site))
	}

	res := m.Check(site, 100)
	if !res.Hit || res.Entry.MethodOffset != 8 {
		t.Errorf("probe = %+v, want hit with offset 8", res)
	}
}

func TestCachePolymorphicTransition(t *testing.T) {
	m := NewInlineCacheManager()
	site := CallSiteKey(1, 4)

	m.Update(site, CacheEntry{ReceiverTypeID: 100, MethodOffset: 1})
	res := m.Check(site, 200)
	if res.Hit || res.Reason != MissPolymorphicOverflow {
		t.Fatalf("second type probe = %+v, want overflow miss", res)
	}

	m.Update(site, CacheEntry{ReceiverTypeID: 200, MethodOffset: 2})
	if m.State(site) != CachePolymorphic {
		t.Errorf("state = %v, want polymorphic", m.State(site))
	}
	for _, typeID := range []uint32{100, 200} {
		if res := m.Check(site, typeID); !res.Hit {
			t.Errorf("type %d missed after update", typeID)
		}
	}
}

func TestCacheSlotZeroEviction(t *testing.T) {
	m := NewInlineCacheManager()
	site := CallSiteKey(2, 0)

	for i := uint32(1); i <= 4; i++ {
		m.Update(site, CacheEntry{ReceiverTypeID: i * 100, MethodOffset: i})
	}
	if n := m.EntryCount(site); n != MaxCacheEntries {
		t.Fatalf("count = %d, want %d", n, MaxCacheEntries)
	}

	// Fifth distinct type: full site reports a type mismatch.
	res := m.Check(site, 500)
	if res.Hit || res.Reason != MissTypeMismatch {
		t.Fatalf("full-site probe = %+v, want type mismatch", res)
	}

	m.Update(site, CacheEntry{ReceiverTypeID: 500, MethodOffset: 5})
	if n := m.EntryCount(site); n != MaxCacheEntries {
		t.Fatalf("count after eviction = %d, want %d", n, MaxCacheEntries)
	}
	// Slot 0 (type 100) is gone, everything shifted down, new entry last.
	if res := m.Check(site, 100); res.Hit {
		t.Error("evicted type 100 still cached")
	}
	first, _ := m.EntryAt(site, 0)
	if first.ReceiverTypeID != 200 {
		t.Errorf("slot 0 = type %d, want 200", first.ReceiverTypeID)
	}
	last, _ := m.EntryAt(site, MaxCacheEntries-1)
	if last.ReceiverTypeID != 500 {
		t.Errorf("last slot = type %d, want 500", last.ReceiverTypeID)
	}
}

func TestCacheUpdateExistingType(t *testing.T) {
	m := NewInlineCacheManager()
	site := CallSiteKey(3, 1)

	m.Update(site, CacheEntry{ReceiverTypeID: 100, MethodOffset: 1})
	m.Update(site, CacheEntry{ReceiverTypeID: 100, MethodOffset: 9})
	if n := m.EntryCount(site); n != 1 {
		t.Fatalf("count = %d, want 1 after re-update of same type", n)
	}
	res := m.Check(site, 100)
	if !res.Hit || res.Entry.MethodOffset != 9 {
		t.Errorf("probe = %+v, want offset 9", res)
	}
	if m.State(site) != CacheMonomorphic {
		t.Errorf("state = %v, want monomorphic", m.State(site))
	}
}

func TestCacheInvalidateByTypeClearsAll(t *testing.T) {
	m := NewInlineCacheManager()
	a, b := CallSiteKey(0, 1), CallSiteKey(0, 2)
	m.Update(a, CacheEntry{ReceiverTypeID: 100})
	m.Update(b, CacheEntry{ReceiverTypeID: 200})

	// Blunt flush: sites for unrelated types clear too.
	m.InvalidateByType(100)
	if m.State(a) != CacheInvalid || m.State(b) != CacheInvalid {
		t.Error("InvalidateByType left sites populated")
	}
}

func TestCacheStats(t *testing.T) {
	m := NewInlineCacheManager()
	site := CallSiteKey(0, 0)

	m.Check(site, 1) // miss
	m.Update(site, CacheEntry{ReceiverTypeID: 1})
	m.Check(site, 1) // hit
	m.Check(site, 1) // hit

	s := m.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", s)
	}
	if rate := s.HitRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("hit rate = %f, want 2/3", rate)
	}
}

func BenchmarkCacheHit(b *testing.B) {
	m := NewInlineCacheManager()
	site := CallSiteKey(0, 0)
	m.Update(site, CacheEntry{ReceiverTypeID: 42, MethodOffset: 7})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := m.Check(site, 42); !res.Hit {
			b.Fatal("unexpected miss")
		}
	}
}
