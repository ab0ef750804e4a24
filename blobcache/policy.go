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

import "golang.org/x/exp/slices"

// selectVictim picks the best eviction candidate among entries whose
// region currently has no references. If zeroFreqOnly is set, only
// freq==0 entries are considered (MaybeEvictLeastUsed); otherwise the
// minimum-freq evictable entry is chosen (the miss-path eviction pass).
//
// Ties are broken deterministically: lowest lastAccessTick, then lowest
// slot index.
func selectVictim(entries []*cacheEntry, zeroFreqOnly bool) *cacheEntry {
	var candidates []*cacheEntry
	for _, e := range entries {
		if e.region.refCount() != 0 {
			continue
		}
		if zeroFreqOnly && e.freq != 0 {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	slices.SortFunc(candidates, func(a, b *cacheEntry) bool {
		if a.freq != b.freq {
			return a.freq < b.freq
		}
		if a.lastAccessTick != b.lastAccessTick {
			return a.lastAccessTick < b.lastAccessTick
		}
		return a.region.Slot() < b.region.Slot()
	})
	return candidates[0]
}
