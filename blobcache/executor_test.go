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
	"sync/atomic"
	"testing"
)

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	p := NewPool(4)
	defer p.(*pool).Close()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		})
	}
	wg.Wait()
	if n != 100 {
		t.Fatalf("ran %d tasks, want 100", n)
	}
}

func TestPoolSubmitAfterCloseIsNoop(t *testing.T) {
	p := NewPool(1).(*pool)
	p.Close()

	ran := false
	p.Submit(func() { ran = true })
	if ran {
		t.Fatal("task must not run after Close")
	}
}

func TestSyncExecutorRunsInline(t *testing.T) {
	ran := false
	SyncExecutor{}.Submit(func() { ran = true })
	if !ran {
		t.Fatal("SyncExecutor must run the task synchronously")
	}
}
