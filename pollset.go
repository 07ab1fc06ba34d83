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

// Package pollset blocks a scheduler until any watched descriptor becomes
// readable or writable, or a timeout elapses. The native mechanism (epoll,
// kqueue or poll) is fixed at build time:
//
//	go build -tags pollset_poll    // force poll(2)
//	go build -tags pollset_noepoll // linux without epoll
//
// Linux defaults to epoll. Builds that must use poll(2) on Linux, as the
// scheduler this package grew out of did, pass pollset_noepoll.
//
// A Pollset is not safe for concurrent use. Drive it from one goroutine,
// and register a Waker when other goroutines need to interrupt a Wait.
package pollset

import (
	"time"

	"github.com/cloudwego/pollset/internal/interest"
)

// Infinite makes Wait block until at least one event arrives.
const Infinite time.Duration = -1

// Interest is a set of readiness directions.
type Interest = interest.Flags

const (
	Readable = interest.Readable
	Writable = interest.Writable
)

// Event reports that the interest registered under Tag fired on FD.
// Fired is never empty and never holds a direction the caller did not ask for.
type Event[T comparable] struct {
	FD    int
	Fired Interest
	Tag   T
}

// Watch is the interest registered for one descriptor.
type Watch[T comparable] struct {
	Interest Interest
	ReadTag  T
	WriteTag T
}

// Pollset multiplexes readiness waiting over many descriptors.
// T is the tag type used to route events back to their waiters.
type Pollset[T comparable] struct {
	table   *interest.Table[T]
	backend backend
	changes []interest.Change
	failed  []syncFailure
	events  []Event[T]
	cur     int
	emitFn  func(flags Interest, tag T)
	closed  bool
}

var errClosed = Exception(ErrPollsetClosed, "")

// New opens the backend linked at build time.
func New[T comparable](ops ...Option) (*Pollset[T], error) {
	opts := newOptions(ops)
	b, err := openBackend(opts)
	if err != nil {
		return nil, err
	}
	return newPollset[T](b, opts), nil
}

func newPollset[T comparable](b backend, opts *options) *Pollset[T] {
	p := &Pollset[T]{
		table:   interest.New[T](),
		backend: b,
		events:  make([]Event[T], 0, opts.batch),
	}
	p.emitFn = p.emit
	return p
}

// Backend returns the name of the linked mechanism: "epoll", "kqueue" or "poll".
func (p *Pollset[T]) Backend() string {
	return p.backend.Name()
}

// Register adds interest in flags on fd, routing its events to tag.
// Registering a direction that is already watched replaces its tag.
func (p *Pollset[T]) Register(fd int, flags Interest, tag T) error {
	if p.closed {
		return errClosed
	}
	return translate(p.table.Register(fd, flags, tag), fd)
}

// Unregister removes interest in flags on fd. Directions never registered
// are ignored. The removal reaches the kernel before Unregister returns,
// so fd may be closed right after; a refused removal is reported as a
// BackendError.
func (p *Pollset[T]) Unregister(fd int, flags Interest) error {
	if p.closed {
		return errClosed
	}
	if err := p.table.Unregister(fd, flags); err != nil {
		return translate(err, fd)
	}
	return p.flush(fd)
}

// Withdraw removes every interest in fd.
func (p *Pollset[T]) Withdraw(fd int) error {
	return p.Unregister(fd, interest.All)
}

// Clean withdraws fd and tolerates it being closed already, or being
// closed before the next Wait. Use it when a descriptor is about to be
// closed, or when Wait reported a BackendError for it.
func (p *Pollset[T]) Clean(fd int) error {
	if p.closed {
		return errClosed
	}
	if err := p.table.Clean(fd); err != nil {
		return translate(err, fd)
	}
	return p.flush(fd)
}

// flush applies the pending change of fd ahead of the next Wait.
func (p *Pollset[T]) flush(fd int) error {
	c, ok := p.table.Take(fd)
	if !ok {
		return nil
	}
	p.changes = append(p.changes[:0], c)
	return p.sync()
}

// sync hands p.changes to the backend. Refused changes are rolled back in
// the table so it keeps matching the kernel, and the first one is returned.
func (p *Pollset[T]) sync() error {
	p.failed = p.backend.Sync(p.changes, p.table, p.failed[:0])
	if len(p.failed) == 0 {
		return nil
	}
	for _, f := range p.failed {
		p.table.Revert(f.change)
	}
	if len(p.failed) > 1 {
		logger.Printf("POLLSET: %d interest changes refused, first: %v", len(p.failed), p.failed[0].err)
	}
	return p.failed[0].err
}

// Lookup returns the interest registered for fd.
func (p *Pollset[T]) Lookup(fd int) (Watch[T], bool) {
	e, ok := p.table.Lookup(fd)
	if !ok {
		return Watch[T]{}, false
	}
	return Watch[T]{
		Interest: e.Flags,
		ReadTag:  e.Tag(interest.Readable),
		WriteTag: e.Tag(interest.Writable),
	}, true
}

// Len returns the number of watched descriptors.
func (p *Pollset[T]) Len() int {
	return p.table.Len()
}

// Wait blocks for up to timeout until at least one registered interest fires.
// Zero polls once without blocking and Infinite never times out.
// A timeout returns an empty result and a nil error.
// The returned slice is reused by the next call.
func (p *Pollset[T]) Wait(timeout time.Duration) ([]Event[T], error) {
	if p.closed {
		return nil, errClosed
	}
	if p.table.Dirty() {
		p.changes = p.table.Changes(p.changes[:0])
		if err := p.sync(); err != nil {
			return nil, err
		}
	}
	ready, err := p.backend.Wait(timeout)
	if err != nil {
		return nil, err
	}
	p.events = p.events[:0]
	for _, r := range ready {
		p.cur = r.fd
		p.table.Match(r.fd, r.fired, p.emitFn)
	}
	return p.events, nil
}

func (p *Pollset[T]) emit(flags Interest, tag T) {
	p.events = append(p.events, Event[T]{FD: p.cur, Fired: flags, Tag: tag})
}

// Close releases the backend. The pollset never closes watched descriptors.
func (p *Pollset[T]) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.backend.Close()
}
