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
	"sync"

	"golang.org/x/exp/slices"
)

// SparseFileTracker tracks which byte ranges within [0, length) of one
// region are already populated, and coalesces concurrent requests for
// overlapping ranges onto a single in-flight fill.
//
// SparseFileTracker has its own lock, separate from the service lock
// that guards SharedBlobCacheService's key map and free-slot pool; the
// two are never held simultaneously.
type SparseFileTracker struct {
	mu     sync.Mutex
	length int64
	// entries is sorted by Start and holds disjoint sub-ranges of
	// [0, length); each is either populated (gap == nil) or pending
	// (gap != nil, currently being filled by one caller).
	entries []*trackedRange
}

type trackedRange struct {
	rng ByteRange
	gap *Gap // nil once populated
}

// NewSparseFileTracker returns a tracker for a region of the given
// logical length, which may be shorter than the physical region size
// for the last region of a blob.
func NewSparseFileTracker(length int64) *SparseFileTracker {
	return &SparseFileTracker{length: length}
}

// Length returns the logical length this tracker covers.
func (t *SparseFileTracker) Length() int64 {
	return t.length
}

// completion is returned by WaitForRange; it fires once every gap that
// overlaps the requested read range has either completed or failed.
type completion struct {
	mu        sync.Mutex
	remaining int
	err       error
	done      chan struct{}
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) arrive(err error) {
	c.mu.Lock()
	if err != nil && c.err == nil {
		c.err = err
	}
	c.remaining--
	done := c.remaining == 0
	c.mu.Unlock()
	if done {
		close(c.done)
	}
}

// Wait blocks until every gap this completion depends on has finished,
// and returns the first error encountered (if any).
func (c *completion) Wait() error {
	<-c.done
	return c.err
}

// Gap is a contiguous unpopulated sub-range claimed by one caller to
// WaitForRange. Other callers requesting overlapping ranges attach as
// listeners via a shared completion instead of receiving their own Gap.
type Gap struct {
	tracker *SparseFileTracker
	rng     ByteRange

	mu          sync.Mutex
	progress    int64 // bytes populated so far, relative to rng.Start
	completions []*completion
	finished    bool
}

// Range returns the byte range this Gap is responsible for populating.
func (g *Gap) Range() ByteRange { return g.rng }

// OnProgress records that the first progress bytes of the gap have now
// been written, folding [rng.Start, rng.Start+progress) into the
// tracker's populated set so callers arriving later can be satisfied by
// the prefix without waiting for the whole gap. Progress must be
// reported monotonically; the total reported must equal the gap's
// length on success. Waiters already coalesced onto the gap still wake
// only when the whole gap completes or fails.
func (g *Gap) OnProgress(progress int64) {
	g.mu.Lock()
	if progress <= g.progress || g.finished {
		g.mu.Unlock()
		return
	}
	g.progress = progress
	g.mu.Unlock()

	t := g.tracker
	t.mu.Lock()
	t.advance(g, progress)
	t.mu.Unlock()
}

// OnCompletion marks the gap fully populated, folds its range into the
// tracker's populated set, and wakes every waiter coalesced onto it.
func (g *Gap) OnCompletion() {
	g.finish(nil, true)
}

// OnFailure marks the gap failed. The tracker forgets the gap's pending
// entry, so a later caller may re-claim its unwritten remainder and
// retry; any prefix already reported through OnProgress stays populated.
// Every coalesced waiter observes err.
func (g *Gap) OnFailure(err error) {
	if err == nil {
		err = ErrAlreadyClosed
	}
	g.finish(err, false)
}

func (g *Gap) finish(err error, populated bool) {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return
	}
	g.finished = true
	waiters := g.completions
	g.completions = nil
	g.mu.Unlock()

	t := g.tracker
	t.mu.Lock()
	t.resolve(g, populated)
	t.mu.Unlock()

	for _, c := range waiters {
		c.arrive(err)
	}
}

// advance splits the first progress bytes of g's claimed range off the
// pending entry as a populated one. Must be called with t.mu held.
func (t *SparseFileTracker) advance(g *Gap, progress int64) {
	for i, e := range t.entries {
		if e.gap != g {
			continue
		}
		covered := g.rng.Start + progress
		if covered <= e.rng.Start {
			return
		}
		if covered >= e.rng.End {
			e.gap = nil
			return
		}
		t.entries = slices.Insert(t.entries, i,
			&trackedRange{rng: ByteRange{Start: e.rng.Start, End: covered}})
		t.entries[i+1].rng.Start = covered
		return
	}
}

// resolve replaces the tracked entry for g with either a populated range
// (success) or nothing at all (failure, so the range can be re-claimed).
// On failure only the unwritten remainder is forgotten; any prefix
// already folded in by OnProgress stays populated. Must be called with
// t.mu held.
func (t *SparseFileTracker) resolve(g *Gap, populated bool) {
	for i, e := range t.entries {
		if e.gap != g {
			continue
		}
		if populated {
			e.gap = nil
		} else {
			t.entries = slices.Delete(t.entries, i, i+1)
		}
		return
	}
}

// WaitForRange computes the sub-ranges of writeRange not yet populated
// and not already claimed by another in-flight gap; each such sub-range
// is returned as a Gap that the caller must fill. The returned
// completion fires once readRange is entirely populated, whether
// because it was already present, because this caller's own gaps
// finished, or because gaps claimed by other (coalesced) callers
// finished.
//
// readRange must be contained within writeRange.
func (t *SparseFileTracker) WaitForRange(writeRange, readRange ByteRange) ([]*Gap, *completion) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var newGaps []*Gap
	for _, missing := range t.missingLocked(writeRange) {
		g := &Gap{tracker: t, rng: missing}
		t.insertLocked(&trackedRange{rng: missing, gap: g})
		newGaps = append(newGaps, g)
	}

	c := newCompletion()
	pending := t.pendingOverlapping(readRange)
	c.remaining = len(pending)
	for _, g := range pending {
		g.mu.Lock()
		g.completions = append(g.completions, c)
		g.mu.Unlock()
	}
	if len(pending) == 0 {
		close(c.done)
	}
	return newGaps, c
}

// missingLocked returns the sub-ranges of target that are covered by
// neither a populated entry nor a pending gap. Must be called with t.mu
// held.
func (t *SparseFileTracker) missingLocked(target ByteRange) []ByteRange {
	var out []ByteRange
	cursor := target.Start
	for _, e := range t.entries {
		if e.rng.End <= cursor {
			continue
		}
		if e.rng.Start >= target.End {
			break
		}
		if e.rng.Start > cursor {
			out = append(out, ByteRange{Start: cursor, End: e.rng.Start})
		}
		if e.rng.End > cursor {
			cursor = e.rng.End
		}
		if cursor >= target.End {
			break
		}
	}
	if cursor < target.End {
		out = append(out, ByteRange{Start: cursor, End: target.End})
	}
	return out
}

// pendingOverlapping returns the (deduplicated) set of gaps whose range
// overlaps target. Must be called with t.mu held.
func (t *SparseFileTracker) pendingOverlapping(target ByteRange) []*Gap {
	var out []*Gap
	for _, e := range t.entries {
		if e.gap == nil {
			continue
		}
		if e.rng.Start >= target.End {
			break
		}
		if e.rng.overlaps(target) {
			out = append(out, e.gap)
		}
	}
	return out
}

// insertLocked inserts e into t.entries keeping it sorted by Start. The
// caller guarantees e.rng does not overlap any existing entry (it was
// computed by missingLocked). Must be called with t.mu held.
func (t *SparseFileTracker) insertLocked(e *trackedRange) {
	i := len(t.entries)
	for j, cur := range t.entries {
		if cur.rng.Start > e.rng.Start {
			i = j
			break
		}
	}
	t.entries = slices.Insert(t.entries, i, e)
}

// Populated reports whether target is entirely covered by populated
// (non-pending) entries.
func (t *SparseFileTracker) Populated(target ByteRange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.missingLocked(target)) == 0 && len(t.pendingOverlapping(target)) == 0
}
