// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package blobcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/singleflight"
)

// hashKeyK0/hashKeyK1 are the fixed siphash key halves used to turn an
// opaque CacheKey into a short, log-friendly identifier. They need not be
// secret; this is for readable logs, not authentication.
const (
	hashKeyK0 = 0x646f6e7427207061
	hashKeyK1 = 0x6e69632069742773
)

// SharedBlobCacheService is the per-node coordinator: a key→region map,
// a pool of free physical slots, and the operations (Get, ForceEvict,
// the MaybeFetch family, MaybeEvictLeastUsed, ComputeDecay) that every
// caller on the node goes through. All of its state is guarded by one
// lock; SparseFileTracker's lock (entirely local to a region) is never
// held at the same time.
type SharedBlobCacheService struct {
	// Logger receives one diagnostic line per region allocation (key,
	// region, slot, key hash, and a fresh fill ID). Evictions and forced
	// removals are not logged. Nil disables logging.
	Logger Logger
	// Metrics receives hit/miss/eviction/populate-duration counters.
	// Nil installs a discard sink.
	Metrics Metrics

	// BulkExecutor runs the Writer callbacks issued by MaybeFetchRegion
	// and MaybeFetchFullEntry, the prefetch paths that do not take a
	// caller-supplied executor the way PopulateAndRead does. Nil runs
	// them synchronously inline via SyncExecutor; production callers
	// should supply a NewPool.
	BulkExecutor Executor

	bytes *SharedBytes

	mu        sync.Mutex
	entries   map[RegionKey]*cacheEntry
	freeSlots []int
	closed    bool

	clock        Clock
	minTimeDelta Tick

	// fillGroup collapses concurrent misses for the same RegionKey into
	// a single slot-allocation/eviction attempt, the way a singleflight
	// group collapses concurrent fetches of the same key in the blob
	// cache implementations in the wider example pack.
	fillGroup singleflight.Group
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	NumRegions  int
	FreeRegions int
	LiveRegions int
}

// NewSharedBlobCacheService creates a service over an already-opened
// SharedBytes. minTimeDelta is the promotion/decay gate: a region's
// frequency is promoted at most once per minTimeDelta, and decays once
// it has been idle for twice that. Zero disables gating entirely (every
// Get promotes, decay never fires).
func NewSharedBlobCacheService(bytes *SharedBytes, minTimeDelta time.Duration, logger Logger, metrics Metrics) *SharedBlobCacheService {
	s := &SharedBlobCacheService{
		Logger:       logger,
		Metrics:      metrics,
		bytes:        bytes,
		entries:      make(map[RegionKey]*cacheEntry),
		clock:        wallClock,
		minTimeDelta: Tick(minTimeDelta.Milliseconds()),
	}
	s.freeSlots = make([]int, bytes.NumRegions())
	for i := range s.freeSlots {
		s.freeSlots[i] = i
	}
	return s
}

// SetClock replaces the wall-clock source used for frequency promotion
// and decay. Intended for tests that need deterministic ticks; call it
// before the service is shared between goroutines.
func (s *SharedBlobCacheService) SetClock(c Clock) {
	s.clock = c
}

func (s *SharedBlobCacheService) now() Tick {
	if s.clock != nil {
		return s.clock()
	}
	return wallClock()
}

func (s *SharedBlobCacheService) metricsSink() Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return discardMetrics{}
}

func (s *SharedBlobCacheService) bulkExecutor() Executor {
	if s.BulkExecutor != nil {
		return s.BulkExecutor
	}
	return SyncExecutor{}
}

func (s *SharedBlobCacheService) hashKey(key CacheKey) uint64 {
	return siphash.Hash(hashKeyK0, hashKeyK1, []byte(key))
}

// liveEntriesLocked returns a snapshot of every tracked entry. Must be
// called with s.mu held.
func (s *SharedBlobCacheService) liveEntriesLocked() []*cacheEntry {
	return maps.Values(s.entries)
}

func (s *SharedBlobCacheService) takeFreeSlotLocked() (int, bool) {
	n := len(s.freeSlots)
	if n == 0 {
		return 0, false
	}
	slot := s.freeSlots[n-1]
	s.freeSlots = s.freeSlots[:n-1]
	return slot, true
}

// Get returns a referenced CacheFileRegion for region index region of
// the blob named by key, allocating it (and evicting a victim if the
// free pool is empty) on a miss. blobLen is the total length of the
// blob; the last region's logical length is the remainder, so it may be
// shorter than the physical region size. The caller must decRef the
// returned region when done with it.
func (s *SharedBlobCacheService) Get(key CacheKey, region int, blobLen int64) (*CacheFileRegion, error) {
	rk := RegionKey{Key: key, Region: region}
	length := regionLength(s.bytes.RegionSize(), region, blobLen)
	if length <= 0 {
		return nil, fmt.Errorf("blobcache: region %d out of range for blob of %d bytes", region, blobLen)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	if e, ok := s.entries[rk]; ok {
		if e.region.tryIncRef() {
			e.touch(s.now(), s.minTimeDelta)
			s.mu.Unlock()
			s.metricsSink().CacheHit(rk)
			return e.region, nil
		}
		// Lost a race with finishPendingEviction: the entry is stale,
		// forget it and fall through to the miss path.
		delete(s.entries, rk)
	}
	s.mu.Unlock()

	s.metricsSink().CacheMiss(rk)
	v, err, _ := s.fillGroup.Do(rk.String(), func() (interface{}, error) {
		return s.allocateRegion(rk, length)
	})
	if err != nil {
		return nil, err
	}
	r := v.(*CacheFileRegion)
	if !r.tryIncRef() {
		// The region created by a prior singleflight call was evicted
		// before we could acquire it; retry from scratch.
		return s.Get(key, region, blobLen)
	}
	return r, nil
}

// regionLength returns the logical byte length of region index region
// within a blob of blobLen bytes, or a non-positive value if the index
// is out of range.
func regionLength(regionSize int64, region int, blobLen int64) int64 {
	if region < 0 {
		return -1
	}
	remain := blobLen - int64(region)*regionSize
	if remain > regionSize {
		return regionSize
	}
	return remain
}

// allocateRegion finds a slot for rk (reusing a free one or evicting a
// victim) and installs a fresh CacheFileRegion in the map. It runs
// inside fillGroup, so at most one allocation for a given RegionKey is
// in flight at a time.
func (s *SharedBlobCacheService) allocateRegion(rk RegionKey, length int64) (*CacheFileRegion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrAlreadyClosed
	}
	if e, ok := s.entries[rk]; ok {
		return e.region, nil
	}

	slot, ok := s.takeFreeSlotLocked()
	if !ok {
		victim := selectVictim(s.liveEntriesLocked(), false)
		if victim == nil {
			return nil, ErrNoCapacity
		}
		if !victim.region.tryEvict() {
			return nil, ErrNoCapacity
		}
		delete(s.entries, victim.region.Key())
		s.metricsSink().Eviction(victim.region.Key())
		slot = victim.region.Slot()
	}

	r := newCacheFileRegion(s, rk, slot, length)
	s.entries[rk] = &cacheEntry{region: r, freq: 1, lastAccessTick: s.now()}

	fillID := uuid.New()
	s.errorf("blobcache: fill key=%s region=%d slot=%d key_hash=%x fill_id=%s",
		rk.Key, rk.Region, slot, s.hashKey(rk.Key), fillID)
	return r, nil
}

// ForceEvict evicts every region whose key matches predicate, returning
// the number of regions affected. A region with outstanding references
// is removed from the key map immediately but keeps its slot until the
// last reference is released.
func (s *SharedBlobCacheService) ForceEvict(predicate func(CacheKey) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for rk, e := range s.entries {
		if !predicate(rk.Key) {
			continue
		}
		delete(s.entries, rk)
		if e.region.tryEvict() {
			s.freeSlots = append(s.freeSlots, e.region.Slot())
		} else {
			e.region.marked = true
		}
		s.metricsSink().Eviction(rk)
		n++
	}
	return n
}

// RemoveFromCache evicts every region belonging to key.
func (s *SharedBlobCacheService) RemoveFromCache(key CacheKey) int {
	return s.ForceEvict(func(k CacheKey) bool { return k == key })
}

// finishPendingEviction completes the eviction of r if it was marked by
// ForceEvict/RemoveFromCache while busy. Called from CacheFileRegion.decRef
// the instant the reference count reaches zero.
func (s *SharedBlobCacheService) finishPendingEviction(r *CacheFileRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.marked {
		return
	}
	if r.tryEvict() {
		s.freeSlots = append(s.freeSlots, r.Slot())
	}
}

// MaybeEvictLeastUsed evicts a single freq==0, reference-free region if
// one exists, returning whether it evicted anything. Intended to be
// called periodically (e.g. alongside ComputeDecay) to reclaim slots
// ahead of demand rather than only on miss.
func (s *SharedBlobCacheService) MaybeEvictLeastUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	victim := selectVictim(s.liveEntriesLocked(), true)
	if victim == nil {
		return false
	}
	if !victim.region.tryEvict() {
		return false
	}
	delete(s.entries, victim.region.Key())
	s.freeSlots = append(s.freeSlots, victim.region.Slot())
	s.metricsSink().Eviction(victim.region.Key())
	return true
}

// ComputeDecay lowers the frequency of every entry that has been idle
// for at least twice minTimeDelta. Intended to be called on a fixed
// interval of roughly minTimeDelta. Decay never evicts anything; it
// only lowers eviction eligibility.
func (s *SharedBlobCacheService) ComputeDecay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range s.entries {
		e.decay(now, s.minTimeDelta)
	}
}

// StartDecayTicker arranges for ComputeDecay to run every interval on a
// background goroutine. The returned stop function halts the ticker and
// may be called more than once. Tests that need deterministic decay
// call ComputeDecay directly instead.
func (s *SharedBlobCacheService) StartDecayTicker(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.ComputeDecay()
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(quit)
		})
	}
}

// MaybeFetchRegion behaves like Get followed by Populate(entire region):
// it acquires the region backing (key, region), trying one
// MaybeEvictLeastUsed pass if the cache is full, then schedules writer
// on s.BulkExecutor to fill whatever of the region is not yet present.
// listener is completed exactly once with the Populate result. Returns
// true iff work was scheduled, false if the region was already present
// or no evictable slot was available. The ref acquired from Get is
// released once Populate has taken its own independent ref, so the
// caller never sees or manages a *CacheFileRegion directly.
func (s *SharedBlobCacheService) MaybeFetchRegion(key CacheKey, region int, blobLen int64, writer Writer, listener func(scheduled bool, err error)) bool {
	r, err := s.Get(key, region, blobLen)
	if err == ErrNoCapacity && s.MaybeEvictLeastUsed() {
		r, err = s.Get(key, region, blobLen)
	}
	if err != nil {
		listener(false, err)
		return false
	}
	scheduled := r.Populate(ByteRange{0, r.Length()}, writer, s.bulkExecutor(), listener)
	r.decRef()
	return scheduled
}

// MaybeFetchFullEntry splits a blob of length bytes into
// ceil(length/regionSize) regions and issues Populate on each, joining
// every region's completion into a single listener call fired once the
// last one finishes. Before acquiring anything it checks that the
// regions not already resident fit within the slots that are currently
// free; if they do not, it returns false and invokes neither Get nor
// writer for any region. Pressure is measured against free capacity,
// not against what could be evicted, so a full-entry prefetch never
// steals slots from unrelated live entries. Once the check passes,
// every region is acquired before any is populated; if acquisition
// still fails (a benign race against a concurrent allocation), every
// region already acquired is released and no writer already pending is
// left unaccounted for. Returns true iff fetch work was scheduled for
// at least one region.
func (s *SharedBlobCacheService) MaybeFetchFullEntry(key CacheKey, length int64, writer Writer, listener func(err error)) bool {
	regionSize := s.bytes.RegionSize()
	numRegions := int((length + regionSize - 1) / regionSize)
	if numRegions == 0 {
		listener(nil)
		return false
	}

	s.mu.Lock()
	needed := 0
	for i := 0; i < numRegions; i++ {
		if _, ok := s.entries[RegionKey{Key: key, Region: i}]; !ok {
			needed++
		}
	}
	fits := needed <= len(s.freeSlots)
	s.mu.Unlock()
	if !fits {
		listener(ErrNoCapacity)
		return false
	}

	acquired := make([]*CacheFileRegion, 0, numRegions)
	for i := 0; i < numRegions; i++ {
		r, err := s.Get(key, i, length)
		if err != nil {
			for _, a := range acquired {
				a.decRef()
			}
			listener(err)
			return false
		}
		acquired = append(acquired, r)
	}

	var (
		mu        sync.Mutex
		remaining = len(acquired)
		firstErr  error
		scheduled bool
	)
	exec := s.bulkExecutor()
	for _, r := range acquired {
		r := r
		didWork := r.Populate(ByteRange{0, r.Length()}, writer, exec, func(_ bool, perr error) {
			mu.Lock()
			if perr != nil && firstErr == nil {
				firstErr = perr
			}
			remaining--
			done := remaining == 0
			err := firstErr
			mu.Unlock()
			if done {
				listener(err)
			}
		})
		if didWork {
			scheduled = true
		}
		r.decRef()
	}
	return scheduled
}

// FreeRegionCount returns the number of physical slots not currently
// occupied by a live region.
func (s *SharedBlobCacheService) FreeRegionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freeSlots)
}

// Stats returns a point-in-time occupancy snapshot.
func (s *SharedBlobCacheService) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		NumRegions:  s.bytes.NumRegions(),
		FreeRegions: len(s.freeSlots),
		LiveRegions: len(s.entries),
	}
}

// Close closes the underlying SharedBytes. Subsequent Get calls return
// ErrAlreadyClosed; regions already referenced remain valid until their
// holders release them, but further I/O through their channel will fail
// once the backing file handle is closed.
func (s *SharedBlobCacheService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.closed = true
	s.mu.Unlock()
	return s.bytes.Close()
}
