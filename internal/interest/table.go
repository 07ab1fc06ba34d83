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

// Package interest keeps the record of which descriptors are watched for
// which directions, independent of how a backend represents it.
package interest

import (
	"errors"
	"strings"

	"github.com/eapache/queue"
)

var (
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrInvalidFlags      = errors.New("invalid interest flags")
)

// Flags is a set of readiness directions.
type Flags uint8

const (
	Readable Flags = 1 << iota
	Writable

	None Flags = 0
	All        = Readable | Writable
)

func (f Flags) String() string {
	if f == None {
		return "none"
	}
	var s []string
	if f&Readable != 0 {
		s = append(s, "read")
	}
	if f&Writable != 0 {
		s = append(s, "write")
	}
	if f&^All != 0 {
		s = append(s, "invalid")
	}
	return strings.Join(s, "|")
}

func (f Flags) valid() bool {
	return f != None && f&^All == 0
}

// slot maps a single direction to its tag index.
func slot(f Flags) int {
	if f == Writable {
		return 1
	}
	return 0
}

// Entry is the registered interest of one descriptor.
type Entry[T comparable] struct {
	Flags Flags
	tags  [2]T
}

// Tag returns the tag stored for a single direction.
func (e Entry[T]) Tag(f Flags) T {
	return e.tags[slot(f)]
}

// Change is the net difference of one descriptor since the last drain.
// Forget is set when the descriptor may already be closed, so the
// backend must tolerate its native registration being gone.
type Change struct {
	FD     int
	Prev   Flags
	Next   Flags
	Forget bool
}

// View is the read-only face of a table handed to backends that
// re-specify every interest on each call.
type View interface {
	Len() int
	Range(f func(fd int, flags Flags) bool)
}

// Table maps descriptors to interest and remembers what changed since the
// backend was last synced. Not safe for concurrent use.
type Table[T comparable] struct {
	entries map[int]*Entry[T]
	// synced holds, for each descriptor touched since the last drain,
	// the flags the backend still believes in.
	synced  map[int]Flags
	forgets map[int]struct{}
	order   *queue.Queue
}

func New[T comparable]() *Table[T] {
	return &Table[T]{
		entries: make(map[int]*Entry[T]),
		synced:  make(map[int]Flags),
		forgets: make(map[int]struct{}),
		order:   queue.New(),
	}
}

// Register adds flags to fd and stores tag for each of them. Registering
// an existing flag again only replaces its tag.
func (t *Table[T]) Register(fd int, flags Flags, tag T) error {
	if fd < 0 {
		return ErrInvalidDescriptor
	}
	if !flags.valid() {
		return ErrInvalidFlags
	}
	e := t.entries[fd]
	if e == nil {
		e = &Entry[T]{}
		t.entries[fd] = e
	}
	t.touch(fd, e.Flags)
	for _, f := range [...]Flags{Readable, Writable} {
		if flags&f != 0 {
			e.tags[slot(f)] = tag
		}
	}
	e.Flags |= flags
	return nil
}

// Unregister removes flags from fd. Flags that were never set are ignored,
// and the entry is dropped once nothing is left.
func (t *Table[T]) Unregister(fd int, flags Flags) error {
	if fd < 0 {
		return ErrInvalidDescriptor
	}
	if flags&^All != 0 {
		return ErrInvalidFlags
	}
	e := t.entries[fd]
	if e == nil || e.Flags&flags == None {
		return nil
	}
	t.touch(fd, e.Flags)
	var zero T
	for _, f := range [...]Flags{Readable, Writable} {
		if flags&f != 0 {
			e.tags[slot(f)] = zero
		}
	}
	e.Flags &^= flags
	if e.Flags == None {
		delete(t.entries, fd)
	}
	return nil
}

// Clean drops every interest of fd and marks it to be forgotten by the
// backend even if its native registration already vanished.
func (t *Table[T]) Clean(fd int) error {
	if fd < 0 {
		return ErrInvalidDescriptor
	}
	var cur Flags
	if e := t.entries[fd]; e != nil {
		cur = e.Flags
		delete(t.entries, fd)
	}
	t.touch(fd, cur)
	t.forgets[fd] = struct{}{}
	return nil
}

func (t *Table[T]) touch(fd int, cur Flags) {
	if _, ok := t.synced[fd]; ok {
		return
	}
	t.synced[fd] = cur
	t.order.Add(fd)
}

// Lookup returns the interest registered for fd.
func (t *Table[T]) Lookup(fd int) (Entry[T], bool) {
	e := t.entries[fd]
	if e == nil {
		return Entry[T]{}, false
	}
	return *e, true
}

func (t *Table[T]) Len() int {
	return len(t.entries)
}

// Range calls f for every registered descriptor until f returns false.
func (t *Table[T]) Range(f func(fd int, flags Flags) bool) {
	for fd, e := range t.entries {
		if !f(fd, e.Flags) {
			return
		}
	}
}

// Dirty reports whether any change is waiting to be drained.
func (t *Table[T]) Dirty() bool {
	return t.order.Length() > 0
}

// Changes drains pending changes in first-touch order, appending them to
// dst. Descriptors whose net interest is unchanged are skipped unless
// they must be forgotten.
func (t *Table[T]) Changes(dst []Change) []Change {
	for t.order.Length() > 0 {
		fd := t.order.Remove().(int)
		if c, ok := t.take(fd); ok {
			dst = append(dst, c)
		}
	}
	return dst
}

// Take drains the pending change of a single descriptor, so it can be
// applied ahead of the others. Its stale queue slot is skipped by Changes.
func (t *Table[T]) Take(fd int) (Change, bool) {
	return t.take(fd)
}

func (t *Table[T]) take(fd int) (Change, bool) {
	prev, ok := t.synced[fd]
	if !ok {
		return Change{}, false
	}
	c := Change{FD: fd, Prev: prev}
	if e := t.entries[fd]; e != nil {
		c.Next = e.Flags
	}
	_, c.Forget = t.forgets[fd]
	delete(t.synced, fd)
	delete(t.forgets, fd)
	if c.Prev == c.Next && !c.Forget {
		return Change{}, false
	}
	return c, true
}

// Revert is called for a change the backend refused. Interest the backend
// held before and still wanted is kept and queued again as a forget, so
// the next sync rebuilds it from scratch. Everything else is dropped.
func (t *Table[T]) Revert(c Change) {
	keep := c.Prev & c.Next
	if c.Forget {
		keep = None
	}
	if e := t.entries[c.FD]; e != nil {
		var zero T
		for _, f := range [...]Flags{Readable, Writable} {
			if keep&f == 0 {
				e.tags[slot(f)] = zero
			}
		}
		e.Flags &= keep
		if e.Flags == None {
			delete(t.entries, c.FD)
		}
	}
	if keep == None {
		return
	}
	if _, ok := t.synced[c.FD]; !ok {
		t.synced[c.FD] = keep
		t.order.Add(c.FD)
	}
	t.forgets[c.FD] = struct{}{}
}

// Match masks fired with the interest registered for fd and reports the
// result through emit. Both directions are merged into one call when they
// carry the same tag, otherwise each direction is reported with its own.
func (t *Table[T]) Match(fd int, fired Flags, emit func(flags Flags, tag T)) {
	e := t.entries[fd]
	if e == nil {
		return
	}
	fired &= e.Flags
	switch {
	case fired == None:
	case fired == All && e.tags[0] == e.tags[1]:
		emit(All, e.tags[0])
	default:
		if fired&Readable != 0 {
			emit(Readable, e.tags[0])
		}
		if fired&Writable != 0 {
			emit(Writable, e.tags[1])
		}
	}
}
