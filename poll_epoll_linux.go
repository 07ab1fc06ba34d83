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

//go:build linux
// +build linux

package pollset

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/pollset/internal/interest"
)

const (
	epollRead  = unix.EPOLLIN | unix.EPOLLRDHUP
	epollWrite = unix.EPOLLOUT
	// hang-up and error wake both directions
	epollBoth = unix.EPOLLHUP | unix.EPOLLERR
)

func openEpoll(o *options) (backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newBackendError("epoll", "epoll_create1", -1, err)
	}
	return &epollBackend{
		fd:       fd,
		events:   make([]unix.EpollEvent, o.batch),
		ready:    make([]readiness, 0, o.batch),
		maxBatch: o.maxBatch,
	}, nil
}

// epollBackend registers interest incrementally in level-triggered mode.
type epollBackend struct {
	fd       int // epoll fd
	events   []unix.EpollEvent
	ready    []readiness
	maxBatch int
}

func (p *epollBackend) Name() string { return "epoll" }

func epollMask(f interest.Flags) uint32 {
	var mask uint32
	if f&interest.Readable != 0 {
		mask |= epollRead
	}
	if f&interest.Writable != 0 {
		mask |= epollWrite
	}
	return mask
}

// Sync implements backend.
func (p *epollBackend) Sync(changes []interest.Change, _ interest.View, failed []syncFailure) []syncFailure {
	for _, c := range changes {
		if err := p.control(c); err != nil {
			failed = append(failed, syncFailure{change: c, err: err})
		}
	}
	return failed
}

func (p *epollBackend) control(c interest.Change) *BackendError {
	prev := c.Prev
	if c.Forget {
		// the kernel drops a closed fd by itself, a leftover is removed quietly
		if prev != interest.None {
			_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.FD, nil)
		}
		prev = interest.None
	}
	var op int
	var name string
	switch {
	case c.Next == interest.None && prev == interest.None:
		return nil
	case c.Next == interest.None:
		op, name = unix.EPOLL_CTL_DEL, "epoll_ctl(del)"
	case prev == interest.None:
		op, name = unix.EPOLL_CTL_ADD, "epoll_ctl(add)"
	default:
		op, name = unix.EPOLL_CTL_MOD, "epoll_ctl(mod)"
	}
	ev := unix.EpollEvent{Events: epollMask(c.Next), Fd: int32(c.FD)}
	if err := unix.EpollCtl(p.fd, op, c.FD, &ev); err != nil {
		return newBackendError("epoll", name, c.FD, err)
	}
	return nil
}

// Wait implements backend.
func (p *epollBackend) Wait(timeout time.Duration) ([]readiness, error) {
	b := newBudget(timeout)
	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.fd, p.events, b.millis())
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, newBackendError("epoll", "epoll_wait", -1, err)
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		evt := p.events[i].Events
		var fired interest.Flags
		if evt&(epollRead|epollBoth) != 0 {
			fired |= interest.Readable
		}
		if evt&(epollWrite|epollBoth) != 0 {
			fired |= interest.Writable
		}
		p.ready = append(p.ready, readiness{fd: int(p.events[i].Fd), fired: fired})
	}
	if size := grow(n, len(p.events), p.maxBatch); size != len(p.events) {
		p.events = make([]unix.EpollEvent, size)
	}
	return p.ready, nil
}

// Close implements backend.
func (p *epollBackend) Close() error {
	if err := unix.Close(p.fd); err != nil {
		return newBackendError("epoll", "close", -1, err)
	}
	return nil
}
