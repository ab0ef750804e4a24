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
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// RegionChannel is a fixed-length random-access view onto one physical
// region slot of the backing file. Offsets passed to ReadAt/WriteAt are
// region-local, in [0, regionSize).
type RegionChannel interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// SharedBytes owns the single backing file and exposes one RegionChannel
// per physical slot. Slot re-use after eviction is safe because callers
// may only address a slot through a CacheFileRegion they hold a
// reference on.
type SharedBytes struct {
	file       *os.File
	regionSize int64
	numRegions int
}

// OpenSharedBytes creates the backing file for numRegions regions of
// regionSize bytes each in dir, or reuses an existing file of the same
// name, and sizes it to exactly numRegions*regionSize bytes. The bytes
// an existing file already holds within that size are not cleared. The
// file's name includes a blake2b hash of the sizing parameters, so two
// differently-sized caches sharing a data directory never alias the
// same backing file.
func OpenSharedBytes(dir string, regionSize int64, numRegions int) (*SharedBytes, error) {
	if regionSize <= 0 {
		return nil, configErrorf("shared_cache.region_size", "must be > 0, got %d", regionSize)
	}
	if numRegions < 0 {
		return nil, configErrorf("shared_cache.size", "implies a negative region count")
	}
	name := backingFileName(regionSize, numRegions)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blobcache: opening backing file: %w", err)
	}
	size := regionSize * int64(numRegions)
	if err := allocate(f, size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("blobcache: sizing backing file: %w", err)
	}
	return &SharedBytes{file: f, regionSize: regionSize, numRegions: numRegions}, nil
}

func backingFileName(regionSize int64, numRegions int) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "regionSize=%d,numRegions=%d", regionSize, numRegions)
	return fmt.Sprintf("shared_cache-%x.dat", h.Sum(nil)[:8])
}

// NumRegions returns the number of physical slots this file was sized
// for.
func (s *SharedBytes) NumRegions() int { return s.numRegions }

// RegionSize returns the fixed physical size of each slot.
func (s *SharedBytes) RegionSize() int64 { return s.regionSize }

// Channel returns the RegionChannel for the given physical slot.
func (s *SharedBytes) Channel(slot int) RegionChannel {
	return &regionChannel{
		file: s.file,
		base: int64(slot) * s.regionSize,
		size: s.regionSize,
	}
}

// Close closes the backing file handle. Further use of any RegionChannel
// obtained from this SharedBytes will fail.
func (s *SharedBytes) Close() error {
	return s.file.Close()
}

type regionChannel struct {
	file *os.File
	base int64
	size int64
}

func (c *regionChannel) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, fmt.Errorf("blobcache: read at %d, len %d exceeds region size %d", off, len(p), c.size)
	}
	return c.file.ReadAt(p, c.base+off)
}

func (c *regionChannel) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, fmt.Errorf("blobcache: write at %d, len %d exceeds region size %d", off, len(p), c.size)
	}
	return c.file.WriteAt(p, c.base+off)
}
