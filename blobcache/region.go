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
	"sync/atomic"
	"time"
)

// Writer populates [channelPos, channelPos+length) of channel with the
// blob bytes at blobOffset = regionIdx*regionSize + relativePos. It must
// call progress monotonically to advance the populated range; the total
// reported must equal length on success.
type Writer func(channel RegionChannel, channelPos, relativePos, length int64, progress func(int64)) error

// Reader reads up to length bytes at channelPos/relativePos and returns
// the number of bytes actually read (which may be less than length).
type Reader func(channel RegionChannel, channelPos, relativePos, length int64) (int, error)

// Listener is completed exactly once, either with a byte count (from a
// Reader) or with an error. No completion ever runs while the service
// lock is held.
type Listener func(n int, err error)

// evictedRefcount is the terminal refs value stored once a region's
// slot has been returned to the free pool.
const evictedRefcount = -1

// CacheFileRegion is the state of one live region: the owning key, its
// physical slot, the population tracker, and a reference count that
// keeps the slot from being reclaimed while reads are in flight.
type CacheFileRegion struct {
	key     RegionKey
	slot    int
	tracker *SparseFileTracker

	svc *SharedBlobCacheService

	// refs is >=0 while the region is live and becomes evictedRefcount
	// exactly once, atomically, the instant tryEvict succeeds.
	// tryIncRef is a compare-and-increment that refuses to resurrect
	// an evicted region.
	refs int32

	// marked is set under the service lock when ForceEvict (or
	// RemoveFromCache) targets a region that still has readers: the
	// region is removed from the key map immediately, so it is
	// logically gone, but its slot is not reclaimed until refs drops
	// to 0. Only ever read or written while holding the service lock.
	marked bool
}

func newCacheFileRegion(svc *SharedBlobCacheService, key RegionKey, slot int, length int64) *CacheFileRegion {
	return &CacheFileRegion{
		key:     key,
		slot:    slot,
		tracker: NewSparseFileTracker(length),
		svc:     svc,
		refs:    0,
	}
}

// Key returns the (cacheKey, regionIndex) this region backs.
func (r *CacheFileRegion) Key() RegionKey { return r.key }

// Slot returns the physical slot index into SharedBytes this region
// occupies. It remains valid only while the caller holds a reference.
func (r *CacheFileRegion) Slot() int { return r.slot }

// Length returns the logical byte length covered by this region (it may
// be shorter than the configured region size for the last region of a
// blob).
func (r *CacheFileRegion) Length() int64 { return r.tracker.Length() }

// tryIncRef attempts to acquire a reference, refusing to resurrect an
// evicted region.
func (r *CacheFileRegion) tryIncRef() bool {
	for {
		cur := atomic.LoadInt32(&r.refs)
		if cur == evictedRefcount {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.refs, cur, cur+1) {
			return true
		}
	}
}

// incRef acquires a reference. The caller must already hold one, so
// the region cannot have been evicted.
func (r *CacheFileRegion) incRef() {
	if !r.tryIncRef() {
		panic("blobcache: incRef of evicted region")
	}
}

// decRef releases a reference. If the region has been marked for
// eviction and this was the last reference, it completes the eviction
// (returns the slot to the free pool).
func (r *CacheFileRegion) decRef() {
	for {
		cur := atomic.LoadInt32(&r.refs)
		if cur <= 0 {
			panic("blobcache: decRef of region with no references")
		}
		if atomic.CompareAndSwapInt32(&r.refs, cur, cur-1) {
			if cur-1 == 0 {
				r.svc.finishPendingEviction(r)
			}
			return
		}
	}
}

// refCount returns the current reference count, or -1 if evicted.
// selectVictim reads it under the service lock; the value is not safe to
// act on without that lock.
func (r *CacheFileRegion) refCount() int32 {
	return atomic.LoadInt32(&r.refs)
}

// PopulateAndRead fills the gaps in writeRange (coalescing with any
// concurrent fill of overlapping ranges), then, once readRange is fully
// populated, runs reader on executor and completes listener with the
// byte count it returns.
func (r *CacheFileRegion) PopulateAndRead(writeRange, readRange ByteRange, reader Reader, writer Writer, executor Executor, listener Listener) {
	if !r.tryIncRef() {
		listener(0, ErrAlreadyClosed)
		return
	}
	gaps, done := r.tracker.WaitForRange(writeRange, readRange)
	r.scheduleGaps(gaps, writer, executor)
	executor.Submit(func() {
		err := done.Wait()
		if err != nil {
			r.decRef()
			listener(0, err)
			return
		}
		n, rerr := reader(r.channel(), readRange.Start, readRange.Start, readRange.Length())
		r.decRef()
		if rerr != nil {
			listener(n, &PopulateError{Op: "read", Err: rerr})
			return
		}
		listener(n, nil)
	})
}

// Populate behaves like PopulateAndRead but only fills writeRange; it
// completes listener with true iff this call scheduled at least one gap
// (i.e. performed work), false if the range was already fully present
// or the fill was coalesced onto an existing one. It also returns that
// same scheduled flag directly, since it is known synchronously, before
// any gap's writer has actually run; callers that only need to know
// whether work was started, such as SharedBlobCacheService's MaybeFetch
// operations, do not have to wait on the listener for that.
func (r *CacheFileRegion) Populate(writeRange ByteRange, writer Writer, executor Executor, listener func(scheduled bool, err error)) bool {
	if !r.tryIncRef() {
		listener(false, ErrAlreadyClosed)
		return false
	}
	gaps, done := r.tracker.WaitForRange(writeRange, writeRange)
	scheduled := len(gaps) > 0
	r.scheduleGaps(gaps, writer, executor)
	executor.Submit(func() {
		err := done.Wait()
		r.decRef()
		if err != nil {
			listener(false, err)
			return
		}
		listener(scheduled, nil)
	})
	return scheduled
}

// scheduleGaps submits one writer task per gap on executor. At most one
// Writer is ever in flight for any sub-range: WaitForRange only returns
// gaps for sub-ranges that were not already claimed.
//
// Each task holds its own reference for as long as its writer runs. The
// read completion can fire (and the caller's references drain) while
// writers for sub-ranges outside the read range are still in flight;
// without the per-task ref, tryEvict could hand the physical slot to a
// new region mid-write.
func (r *CacheFileRegion) scheduleGaps(gaps []*Gap, writer Writer, executor Executor) {
	for _, g := range gaps {
		g := g
		r.incRef()
		executor.Submit(func() {
			defer r.decRef()
			rng := g.Range()
			progress := func(n int64) { g.OnProgress(n) }
			start := time.Now()
			err := writer(r.channel(), rng.Start, rng.Start, rng.Length(), progress)
			r.svc.metricsSink().PopulateDuration(r.key, time.Since(start))
			if err != nil {
				g.OnFailure(&PopulateError{Op: "write", Err: err})
				return
			}
			g.OnCompletion()
		})
	}
}

func (r *CacheFileRegion) channel() RegionChannel {
	return r.svc.bytes.Channel(r.slot)
}

// tryEvict evicts the region if it has no outstanding references. Must
// be called under the service lock. Returns false if there are
// outstanding references or the region is already evicted.
func (r *CacheFileRegion) tryEvict() bool {
	return atomic.CompareAndSwapInt32(&r.refs, 0, evictedRefcount)
}

// evicted reports whether this region has reached the terminal EVICTED
// state.
func (r *CacheFileRegion) evicted() bool {
	return atomic.LoadInt32(&r.refs) == evictedRefcount
}
