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
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Waker is a self-pipe. Register FD for read interest and call Wake from
// any goroutine to end a Wait early.
type Waker struct {
	r, w    int
	trigger uint32 // trigger flag
	buf     []byte
}

// NewWaker opens a non-blocking, close-on-exec pipe. Register FD for
// Readable and call Drain whenever it fires.
func NewWaker() (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, newBackendError("waker", "pipe", -1, err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, newBackendError("waker", "set_nonblock", fd, err)
		}
	}
	return &Waker{r: fds[0], w: fds[1], buf: make([]byte, 64)}, nil
}

// FD is the read end to register with a Pollset.
func (w *Waker) FD() int {
	return w.r
}

// Wake makes FD readable. Calls before the next Drain are coalesced.
func (w *Waker) Wake() error {
	if atomic.AddUint32(&w.trigger, 1) > 1 {
		return nil
	}
	for {
		_, err := unix.Write(w.w, []byte{1})
		switch err {
		case nil, unix.EAGAIN:
			// a full pipe is readable already
			return nil
		case unix.EINTR:
			continue
		}
		return newBackendError("waker", "write", w.w, err)
	}
}

// Drain consumes pending wakeups so FD stops being readable. Work queued
// before a Wake must be picked up after Drain returns, a Wake racing with
// Drain may be folded into the current one.
func (w *Waker) Drain() error {
	defer atomic.StoreUint32(&w.trigger, 0)
	for {
		n, err := unix.Read(w.r, w.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err != nil:
			return newBackendError("waker", "read", w.r, err)
		case n < len(w.buf):
			return nil
		}
	}
}

// Close closes both ends. Withdraw FD from its Pollset first.
func (w *Waker) Close() error {
	err := unix.Close(w.r)
	if werr := unix.Close(w.w); err == nil {
		err = werr
	}
	return err
}
