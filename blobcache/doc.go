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

// Package blobcache implements a shared, fixed-size, disk-backed block
// cache used to accelerate reads of remote immutable blobs.
//
// A single backing file is pre-allocated and divided into fixed-size
// regions. Callers address a blob by an opaque cache key and a region
// index; SharedBlobCacheService.Get resolves or allocates the
// CacheFileRegion backing that (key, region) pair, evicting another
// region if necessary, and the caller then calls
// CacheFileRegion.PopulateAndRead to fill (once) and read (many times)
// the region's bytes.
package blobcache
