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

// FreqMax is the cap on a region's access-frequency counter.
const FreqMax = 3

// cacheEntry is the per-region metadata consulted by the replacement
// policy. Every field is mutated only while the owning
// SharedBlobCacheService's lock is held.
type cacheEntry struct {
	region         *CacheFileRegion
	freq           int
	lastAccessTick Tick
}

// touch applies time-gated promotion: the frequency counter is advanced
// only if enough wall-clock time has elapsed since the last promotion,
// which prevents a burst of accesses within one window from inflating
// the counter.
func (e *cacheEntry) touch(now Tick, minTimeDelta Tick) {
	if minTimeDelta <= 0 || now-e.lastAccessTick >= minTimeDelta {
		if e.freq < FreqMax {
			e.freq++
		}
		e.lastAccessTick = now
	}
}

// decay lowers the frequency by one (floored at 0) if the entry has
// been idle for at least twice minTimeDelta. Decay never evicts; it
// only lowers eligibility.
func (e *cacheEntry) decay(now Tick, minTimeDelta Tick) {
	if minTimeDelta <= 0 {
		return
	}
	if now-e.lastAccessTick >= 2*minTimeDelta && e.freq > 0 {
		e.freq--
	}
}
