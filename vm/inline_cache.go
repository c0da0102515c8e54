package vm

// ---------------------------------------------------------------------------
// Inline caches
// ---------------------------------------------------------------------------
//
// Each virtual or dynamic call site owns one cache of up to four
// (receiver type, method) entries. A site starts Invalid, becomes
// Monomorphic after the first resolution and Polymorphic once a second
// receiver type shows up. When all four slots are taken and a fifth type
// arrives, slot 0 is evicted; replacement is positional, not LRU.

// CacheState describes how many receiver types a site has seen.
type CacheState uint8

const (
	CacheInvalid     CacheState = 0
	CacheMonomorphic CacheState = 1
	CachePolymorphic CacheState = 2
)

func (s CacheState) String() string {
	switch s {
	case CacheInvalid:
		return "invalid"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	}
	return "unknown"
}

// MaxCacheEntries is the polymorphic capacity of one call site.
const MaxCacheEntries = 4

// CacheEntry is one resolved dispatch: receiver type to method location.
type CacheEntry struct {
	ReceiverTypeID uint32
	MethodOffset   uint32
	VTableIndex    uint16
}

// MissReason explains a failed cache probe.
type MissReason uint8

const (
	// MissFirstCall: the site has never resolved anything.
	MissFirstCall MissReason = iota
	// MissPolymorphicOverflow: unseen receiver type, but a slot is free;
	// the caller should resolve and add an entry.
	MissPolymorphicOverflow
	// MissTypeMismatch: unseen receiver type and the site is full; the
	// update path will evict slot 0.
	MissTypeMismatch
)

func (r MissReason) String() string {
	switch r {
	case MissFirstCall:
		return "first call"
	case MissPolymorphicOverflow:
		return "polymorphic overflow"
	case MissTypeMismatch:
		return "type mismatch"
	}
	return "unknown"
}

// CacheResult is the outcome of a cache probe.
type CacheResult struct {
	Hit    bool
	Entry  CacheEntry
	Reason MissReason
}

// cacheSite is the per-call-site slot array.
type cacheSite struct {
	state   CacheState
	count   int
	entries [MaxCacheEntries]CacheEntry
}

// CacheStats counts probe outcomes across all sites.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns the fraction of probes that hit.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// InlineCacheManager owns every call site cache of one interpreter. Sites
// are keyed by (function id << 32 | instruction index); see CallSiteKey.
type InlineCacheManager struct {
	sites map[uint64]*cacheSite
	stats CacheStats
}

// NewInlineCacheManager creates an empty manager.
func NewInlineCacheManager() *InlineCacheManager {
	return &InlineCacheManager{sites: make(map[uint64]*cacheSite)}
}

// CallSiteKey builds the site key for an instruction position.
func CallSiteKey(funcID uint32, ip int) uint64 {
	return uint64(funcID)<<32 | uint64(uint32(ip))
}

// Check probes the site for receiverType.
func (m *InlineCacheManager) Check(site uint64, receiverType uint32) CacheResult {
	s, ok := m.sites[site]
	if !ok || s.state == CacheInvalid {
		m.stats.Misses++
		return CacheResult{Reason: MissFirstCall}
	}
	for i := 0; i < s.count; i++ {
		if s.entries[i].ReceiverTypeID == receiverType {
			m.stats.Hits++
			return CacheResult{Hit: true, Entry: s.entries[i]}
		}
	}
	m.stats.Misses++
	if s.count < MaxCacheEntries {
		return CacheResult{Reason: MissPolymorphicOverflow}
	}
	return CacheResult{Reason: MissTypeMismatch}
}

// Update records a resolved dispatch for the site. A full site evicts
// slot 0 and shifts the remaining entries down.
func (m *InlineCacheManager) Update(site uint64, entry CacheEntry) {
	s, ok := m.sites[site]
	if !ok {
		s = &cacheSite{}
		m.sites[site] = s
	}
	for i := 0; i < s.count; i++ {
		if s.entries[i].ReceiverTypeID == entry.ReceiverTypeID {
			s.entries[i] = entry
			return
		}
	}
	if s.count == MaxCacheEntries {
		copy(s.entries[:], s.entries[1:])
		s.entries[MaxCacheEntries-1] = entry
		m.stats.Evictions++
	} else {
		s.entries[s.count] = entry
		s.count++
	}
	if s.count > 1 {
		s.state = CachePolymorphic
	} else {
		s.state = CacheMonomorphic
	}
}

// State returns the site's current state.
func (m *InlineCacheManager) State(site uint64) CacheState {
	if s, ok := m.sites[site]; ok {
		return s.state
	}
	return CacheInvalid
}

// EntryCount returns the number of filled slots at the site.
func (m *InlineCacheManager) EntryCount(site uint64) int {
	if s, ok := m.sites[site]; ok {
		return s.count
	}
	return 0
}

// EntryAt returns the slot at index i for the site.
func (m *InlineCacheManager) EntryAt(site uint64, i int) (CacheEntry, bool) {
	s, ok := m.sites[site]
	if !ok || i < 0 || i >= s.count {
		return CacheEntry{}, false
	}
	return s.entries[i], true
}

// Invalidate clears one site back to the Invalid state.
func (m *InlineCacheManager) Invalidate(site uint64) {
	delete(m.sites, site)
}

// InvalidateByType clears every slot of every site. Deliberately blunt:
// sites that never cached typeID are flushed along with the rest.
func (m *InlineCacheManager) InvalidateByType(typeID uint32) {
	_ = typeID
	m.sites = make(map[uint64]*cacheSite)
}

// Stats returns a copy of the probe counters.
func (m *InlineCacheManager) Stats() CacheStats { return m.stats }
