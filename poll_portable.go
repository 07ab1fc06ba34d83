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

func openPortable(o *options) (backend, error) {
	return &portableBackend{
		fds:   make([]unix.PollFd, 0, o.batch),
		ready: make([]readiness, 0, o.batch),
	}, nil
}

// portableBackend mirrors the whole interest table into a poll(2) array.
// The array is rebuilt lazily by the next Wait after any change.
type portableBackend struct {
	fds   []unix.PollFd
	ready []readiness
	view  interest.View
	stale bool
}

func (p *portableBackend) Name() string { return "poll" }

// Sync implements backend.
func (p *portableBackend) Sync(changes []interest.Change, view interest.View, failed []syncFailure) []syncFailure {
	if len(changes) > 0 {
		p.view, p.stale = view, true
	}
	return failed
}

func (p *portableBackend) rebuild() {
	p.stale = false
	p.fds = p.fds[:0]
	p.view.Range(func(fd int, flags interest.Flags) bool {
		var events int16
		if flags&interest.Readable != 0 {
			events |= unix.POLLIN
		}
		if flags&interest.Writable != 0 {
			events |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
		return true
	})
}

// Wait implements backend.
func (p *portableBackend) Wait(timeout time.Duration) ([]readiness, error) {
	if p.stale {
		p.rebuild()
	}
	b := newBudget(timeout)
	var n int
	var err error
	for {
		n, err = unix.Poll(p.fds, b.millis())
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, newBackendError("poll", "poll", -1, err)
	}
	p.ready = p.ready[:0]
	for i := range p.fds {
		if n == 0 {
			break
		}
		pfd := &p.fds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		if pfd.Revents&unix.POLLNVAL != 0 {
			return nil, newBackendError("poll", "poll", int(pfd.Fd), unix.EBADF)
		}
		var fired interest.Flags
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			fired |= interest.Readable
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			fired |= interest.Writable
		}
		p.ready = append(p.ready, readiness{fd: int(pfd.Fd), fired: fired})
	}
	return p.ready, nil
}

// Close implements backend.
func (p *portableBackend) Close() error {
	p.fds, p.ready, p.view = nil, nil, nil
	return nil
}
