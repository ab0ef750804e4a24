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

import "time"

// Metrics is the sink interface fed by SharedBlobCacheService. Metric
// *emission* (wiring to Prometheus, StatsD, etc.) is outside the scope
// of this package; callers implement Metrics against whatever collector
// they use.
type Metrics interface {
	// CacheHit/CacheMiss are invoked once per Get call.
	CacheHit(key RegionKey)
	CacheMiss(key RegionKey)
	// Eviction is invoked once per region eviction, regardless of cause
	// (tryEvict via a miss, forceEvict, or maybeEvictLeastUsed).
	Eviction(key RegionKey)
	// PopulateDuration is invoked once per completed writer task with
	// the wall-clock time the Writer callback took.
	PopulateDuration(key RegionKey, d time.Duration)
}

// discardMetrics is used when SharedBlobCacheService.Metrics is nil.
type discardMetrics struct{}

func (discardMetrics) CacheHit(RegionKey)                        {}
func (discardMetrics) CacheMiss(RegionKey)                       {}
func (discardMetrics) Eviction(RegionKey)                        {}
func (discardMetrics) PopulateDuration(RegionKey, time.Duration) {}
