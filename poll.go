// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build unix

package pollset

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/pollset/internal/interest"
)

// backend is one native readiness mechanism.
type backend interface {
	// Name returns the mechanism name, e.g. "epoll".
	Name() string

	// Sync applies the drained interest changes and appends every change
	// the kernel refused to failed. Backends that must re-specify
	// everything on each call read the whole table from view.
	Sync(changes []interest.Change, view interest.View, failed []syncFailure) []syncFailure

	// Wait blocks for up to timeout and returns the ready descriptors.
	// A negative timeout blocks until an event arrives, zero polls once.
	// The returned slice is only valid until the next call.
	Wait(timeout time.Duration) ([]readiness, error)

	// Close releases the native state.
	Close() error
}

// readiness is what a backend observed for one descriptor, before it is
// masked by the registered interest.
type readiness struct {
	fd    int
	fired interest.Flags
}

// syncFailure is a change that could not be applied natively.
type syncFailure struct {
	change interest.Change
	err    *BackendError
}

// budget tracks the time left of a wait across EINTR retries.
type budget struct {
	infinite bool
	deadline time.Time
}

func newBudget(timeout time.Duration) budget {
	if timeout < 0 {
		return budget{infinite: true}
	}
	return budget{deadline: time.Now().Add(timeout)}
}

func (b budget) remaining() time.Duration {
	if b.infinite {
		return -1
	}
	if d := time.Until(b.deadline); d > 0 {
		return d
	}
	return 0
}

// millis rounds up so a wait never ends before its deadline.
func (b budget) millis() int {
	d := b.remaining()
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}

func (b budget) timespec() *unix.Timespec {
	d := b.remaining()
	if d < 0 {
		return nil
	}
	ts := unix.NsecToTimespec(int64(d))
	return &ts
}

// grow doubles a buffer that a wait filled completely, up to limit.
func grow(n, size, limit int) int {
	if n == size && size < limit {
		size <<= 1
		if size > limit {
			size = limit
		}
	}
	return size
}
