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

import "testing"

func TestCacheEntryTouchGating(t *testing.T) {
	e := &cacheEntry{}
	const delta = Tick(100)

	// A full window after the zero-valued lastAccessTick: promotion.
	e.touch(100, delta)
	if e.freq != 1 {
		t.Fatalf("freq = %d, want 1", e.freq)
	}

	// Within the gate: no promotion.
	e.touch(150, delta)
	if e.freq != 1 {
		t.Fatalf("freq = %d after gated touch, want 1", e.freq)
	}

	// At the gate: promotion.
	e.touch(200, delta)
	if e.freq != 2 {
		t.Fatalf("freq = %d, want 2", e.freq)
	}
}

func TestCacheEntryTouchCapsAtFreqMax(t *testing.T) {
	e := &cacheEntry{}
	for i := 0; i < FreqMax+5; i++ {
		e.touch(Tick(i*1000), 1)
	}
	if e.freq != FreqMax {
		t.Fatalf("freq = %d, want capped at %d", e.freq, FreqMax)
	}
}

func TestCacheEntryDecay(t *testing.T) {
	e := &cacheEntry{freq: 2, lastAccessTick: 0}
	const delta = Tick(10)

	e.decay(15, delta) // < 2*delta: no decay yet
	if e.freq != 2 {
		t.Fatalf("freq = %d, want unchanged at 2", e.freq)
	}

	e.decay(20, delta) // == 2*delta: decays
	if e.freq != 1 {
		t.Fatalf("freq = %d, want 1", e.freq)
	}

	e.decay(20, delta)
	if e.freq != 0 {
		t.Fatalf("freq = %d, want 0", e.freq)
	}
	e.decay(20, delta)
	if e.freq != 0 {
		t.Fatal("decay must floor at 0")
	}
}

func TestCacheEntryDecayDisabledAtZeroDelta(t *testing.T) {
	e := &cacheEntry{freq: 3, lastAccessTick: 0}
	e.decay(1_000_000, 0)
	if e.freq != 3 {
		t.Fatalf("freq = %d, want unchanged when gating disabled", e.freq)
	}
}
