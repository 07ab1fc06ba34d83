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

//go:build darwin || netbsd || freebsd || openbsd || dragonfly
// +build darwin netbsd freebsd openbsd dragonfly

package pollset

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/pollset/internal/interest"
)

func openKqueue(o *options) (backend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, newBackendError("kqueue", "kqueue", -1, err)
	}
	unix.CloseOnExec(fd)
	return &kqueueBackend{
		fd:       fd,
		changes:  make([]unix.Kevent_t, 0, 2),
		events:   make([]unix.Kevent_t, o.batch),
		ready:    make([]readiness, 0, o.batch),
		index:    make(map[int]int, o.batch),
		maxBatch: o.maxBatch,
	}, nil
}

// kqueueBackend keeps one filter per direction, so a descriptor may be
// reported twice by one kevent call and has to be merged.
type kqueueBackend struct {
	fd       int // kqueue fd
	changes  []unix.Kevent_t
	events   []unix.Kevent_t
	ready    []readiness
	index    map[int]int // fd -> position in ready
	maxBatch int
}

func (p *kqueueBackend) Name() string { return "kqueue" }

// Sync implements backend.
func (p *kqueueBackend) Sync(changes []interest.Change, _ interest.View, failed []syncFailure) []syncFailure {
	for _, c := range changes {
		if err := p.control(c); err != nil {
			failed = append(failed, syncFailure{change: c, err: err})
		}
	}
	return failed
}

func (p *kqueueBackend) control(c interest.Change) *BackendError {
	prev := c.Prev
	if c.Forget {
		// closing a descriptor removes its knotes, leftovers go quietly
		p.drop(c.FD, prev)
		prev = interest.None
	}
	p.changes = p.changes[:0]
	for _, f := range [...]interest.Flags{interest.Readable, interest.Writable} {
		switch {
		case c.Next&f != 0 && prev&f == 0:
			p.changes = append(p.changes, kevent(c.FD, f, unix.EV_ADD|unix.EV_ENABLE))
		case c.Next&f == 0 && prev&f != 0:
			p.changes = append(p.changes, kevent(c.FD, f, unix.EV_DELETE))
		}
	}
	if len(p.changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.fd, p.changes, nil, nil); err != nil {
		// a batch may be half applied, filters it just added are undone
		p.drop(c.FD, c.Next&^prev)
		return newBackendError("kqueue", "kevent(change)", c.FD, err)
	}
	return nil
}

// drop deletes filters of fd ignoring errors.
func (p *kqueueBackend) drop(fd int, flags interest.Flags) {
	for _, f := range [...]interest.Flags{interest.Readable, interest.Writable} {
		if flags&f != 0 {
			p.changes = p.changes[:0]
			p.changes = append(p.changes, kevent(fd, f, unix.EV_DELETE))
			_, _ = unix.Kevent(p.fd, p.changes, nil, nil)
		}
	}
}

func kevent(fd int, f interest.Flags, flags int) unix.Kevent_t {
	var ev unix.Kevent_t
	filter := unix.EVFILT_READ
	if f == interest.Writable {
		filter = unix.EVFILT_WRITE
	}
	unix.SetKevent(&ev, fd, filter, flags)
	return ev
}

// Wait implements backend.
func (p *kqueueBackend) Wait(timeout time.Duration) ([]readiness, error) {
	b := newBudget(timeout)
	var n int
	var err error
	for {
		n, err = unix.Kevent(p.fd, nil, p.events, b.timespec())
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, newBackendError("kqueue", "kevent(wait)", -1, err)
	}
	p.ready = p.ready[:0]
	for k := range p.index {
		delete(p.index, k)
	}
	for i := 0; i < n; i++ {
		evt := p.events[i]
		fd := int(evt.Ident)
		var fired interest.Flags
		switch {
		case evt.Flags&unix.EV_ERROR != 0:
			fired = interest.All
		case evt.Filter == unix.EVFILT_READ:
			fired = interest.Readable
		case evt.Filter == unix.EVFILT_WRITE:
			fired = interest.Writable
		}
		if evt.Flags&unix.EV_EOF != 0 {
			fired = interest.All
		}
		if fired == interest.None {
			continue
		}
		if at, ok := p.index[fd]; ok {
			p.ready[at].fired |= fired
			continue
		}
		p.index[fd] = len(p.ready)
		p.ready = append(p.ready, readiness{fd: fd, fired: fired})
	}
	if size := grow(n, len(p.events), p.maxBatch); size != len(p.events) {
		p.events = make([]unix.Kevent_t, size)
	}
	return p.ready, nil
}

// Close implements backend.
func (p *kqueueBackend) Close() error {
	if err := unix.Close(p.fd); err != nil {
		return newBackendError("kqueue", "close", -1, err)
	}
	return nil
}
