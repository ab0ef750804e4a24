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

// Tick is a monotonic millisecond timestamp, as produced by a Clock.
type Tick int64

// Clock returns the current time as a monotonic millisecond count.
// Tests substitute a deterministic counter in place of wallClock.
type Clock func() Tick

// clockBase anchors wallClock; time.Since measures from it using the
// monotonic reading that time.Now records.
var clockBase = time.Now()

// wallClock is the default Clock, backed by time.Now's monotonic reading:
// it returns the milliseconds elapsed since clockBase.
func wallClock() Tick {
	return Tick(time.Since(clockBase).Milliseconds())
}
