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
	"bytes"
	"errors"
	"testing"
)

var errWriterFailed = errors.New("write failed")

func newTestRegion(t *testing.T, length int64) (*CacheFileRegion, *SharedBlobCacheService) {
	t.Helper()
	sb, err := OpenSharedBytes(t.TempDir(), length, 4)
	if err != nil {
		t.Fatalf("OpenSharedBytes: %v", err)
	}
	t.Cleanup(func() { sb.Close() })
	svc := NewSharedBlobCacheService(sb, 0, nil, nil)
	r, err := svc.Get(CacheKey("blob"), 0, length)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r, svc
}

func TestRegionPopulateAndRead(t *testing.T) {
	r, _ := newTestRegion(t, 16)
	defer r.decRef()

	want := []byte("0123456789abcdef")
	writer := func(ch RegionChannel, channelPos, relativePos, length int64, progress func(int64)) error {
		n, err := ch.WriteAt(want[relativePos:relativePos+length], channelPos)
		progress(int64(n))
		return err
	}
	reader := func(ch RegionChannel, channelPos, relativePos, length int64) (int, error) {
		buf := make([]byte, length)
		n, err := ch.ReadAt(buf, channelPos)
		return n, err
	}

	resultCh := make(chan struct {
		n   int
		err error
	}, 1)
	r.PopulateAndRead(ByteRange{0, 16}, ByteRange{0, 16}, reader, writer, SyncExecutor{}, func(n int, err error) {
		resultCh <- struct {
			n   int
			err error
		}{n, err}
	})

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("PopulateAndRead: %v", res.err)
	}
	if res.n != 16 {
		t.Fatalf("n = %d, want 16", res.n)
	}
}

func TestRegionPopulateCoalescesConcurrentWrites(t *testing.T) {
	r, _ := newTestRegion(t, 8)
	defer r.decRef()

	var writerCalls int
	writer := func(ch RegionChannel, channelPos, relativePos, length int64, progress func(int64)) error {
		writerCalls++
		_, err := ch.WriteAt(bytes.Repeat([]byte{1}, int(length)), channelPos)
		progress(length)
		return err
	}

	type result struct {
		scheduled bool
		err       error
	}
	done1 := make(chan result, 1)
	done2 := make(chan result, 1)
	// Hold every task until both calls are made, so the second arrives
	// while the first's writer is still pending.
	exec := &manualExecutor{}
	r.Populate(ByteRange{0, 8}, writer, exec, func(scheduled bool, err error) { done1 <- result{scheduled, err} })
	r.Populate(ByteRange{0, 8}, writer, exec, func(scheduled bool, err error) { done2 <- result{scheduled, err} })
	for len(exec.tasks) > 0 {
		exec.run(0)
	}

	res1 := <-done1
	if res1.err != nil {
		t.Fatalf("populate 1: %v", res1.err)
	}
	if !res1.scheduled {
		t.Fatal("first populate should win the gap: scheduled = false, want true")
	}
	res2 := <-done2
	if res2.err != nil {
		t.Fatalf("populate 2: %v", res2.err)
	}
	if res2.scheduled {
		t.Fatal("second populate should coalesce onto the first: scheduled = true, want false")
	}
	if writerCalls != 1 {
		t.Fatalf("writer called %d times, want 1 (coalesced)", writerCalls)
	}
}

func TestRegionWriterFailureIsDelivered(t *testing.T) {
	r, _ := newTestRegion(t, 8)
	defer r.decRef()

	boom := errWriterFailed
	writer := func(ch RegionChannel, channelPos, relativePos, length int64, progress func(int64)) error {
		return boom
	}

	done := make(chan error, 1)
	r.Populate(ByteRange{0, 8}, writer, SyncExecutor{}, func(scheduled bool, err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected an error")
	}
}

// manualExecutor queues tasks and runs them only when the test says so,
// so writer tasks can be held "in flight" deterministically.
type manualExecutor struct {
	tasks []func()
}

func (m *manualExecutor) Submit(task func()) { m.tasks = append(m.tasks, task) }

func (m *manualExecutor) run(i int) {
	task := m.tasks[i]
	m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
	task()
}

// A region must not become evictable while writers for sub-ranges of
// writeRange outside readRange are still in flight, even after the read
// completion has fired and the caller has dropped its own reference.
func TestRegionNotEvictableWhileWritersInFlight(t *testing.T) {
	r, _ := newTestRegion(t, 100)

	fill := func(ch RegionChannel, channelPos, relativePos, length int64, progress func(int64)) error {
		_, err := ch.WriteAt(bytes.Repeat([]byte{1}, int(length)), channelPos)
		progress(length)
		return err
	}
	reader := func(ch RegionChannel, channelPos, relativePos, length int64) (int, error) {
		buf := make([]byte, length)
		return ch.ReadAt(buf, channelPos)
	}

	// Pre-populate [40,60) so the wide write below has two disjoint
	// gaps, neither overlapping the read range.
	r.Populate(ByteRange{40, 60}, fill, SyncExecutor{}, func(bool, error) {})

	exec := &manualExecutor{}
	done := make(chan int, 1)
	r.PopulateAndRead(ByteRange{0, 100}, ByteRange{40, 60}, reader, fill, exec, func(n int, err error) {
		if err != nil {
			t.Errorf("PopulateAndRead: %v", err)
		}
		done <- n
	})
	r.decRef() // caller is done with the region, fill continues

	// Queued: the [0,40) writer, the [60,100) writer, the read task.
	// The read range is already present, so the read task can complete
	// first.
	exec.run(2)
	if n := <-done; n != 20 {
		t.Fatalf("read %d bytes, want 20", n)
	}

	if r.tryEvict() {
		t.Fatal("region must not be evictable while writer tasks are in flight")
	}
	exec.run(0)
	if r.tryEvict() {
		t.Fatal("region must not be evictable with one writer still in flight")
	}
	exec.run(0)
	if !r.tryEvict() {
		t.Fatal("expected tryEvict to succeed once every writer has finished")
	}
}

func TestRegionTryIncRefRefusesEvicted(t *testing.T) {
	r, _ := newTestRegion(t, 8)
	r.decRef() // back to 0 refs
	if !r.tryEvict() {
		t.Fatal("tryEvict should succeed at refs==0")
	}
	if r.tryIncRef() {
		t.Fatal("tryIncRef must refuse an evicted region")
	}
}
