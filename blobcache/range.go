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

import "fmt"

// CacheKey is the opaque key a caller uses to name a blob. Equality is
// ordinary Go string equality; callers that need more structure (e.g.
// bucket+object) are expected to encode it into a single string.
type CacheKey string

// RegionKey names one region of one blob: the pair of the blob's cache
// key and the region index within the blob.
type RegionKey struct {
	Key    CacheKey
	Region int
}

func (k RegionKey) String() string {
	return fmt.Sprintf("%s#%d", k.Key, k.Region)
}

// ByteRange is a half-open interval [Start, End) of bytes within a
// region.
type ByteRange struct {
	Start, End int64
}

// Length returns End-Start.
func (r ByteRange) Length() int64 { return r.End - r.Start }

// Empty reports whether the range contains no bytes.
func (r ByteRange) Empty() bool { return r.End <= r.Start }

// overlaps reports whether r and o share at least one byte.
func (r ByteRange) overlaps(o ByteRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// contains reports whether o is fully contained within r.
func (r ByteRange) contains(o ByteRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// intersect returns the overlap of r and o. The caller must check
// overlaps first; if there is no overlap the result is meaningless.
func (r ByteRange) intersect(o ByteRange) ByteRange {
	out := ByteRange{Start: r.Start, End: r.End}
	if o.Start > out.Start {
		out.Start = o.Start
	}
	if o.End < out.End {
		out.End = o.End
	}
	return out
}
