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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// inlineResumer resumes on the loop goroutine itself.
func inlineResumer(ctx context.Context, f func()) { f() }

func TestLoopResume(t *testing.T) {
	ps := newTestPollset(t)
	resumed := make(chan Event[string], 16)
	var loop *Loop[string]
	loop, err := NewLoop(ps, func(ev Event[string]) {
		// a resumed waiter drops its interest, like a coroutine leaving its wait
		loop.Submit(func(ps *Pollset[string]) { ps.Unregister(ev.FD, ev.Fired) })
		select {
		case resumed <- ev:
		default:
		}
	}, WithResumer(inlineResumer), WithTimeout(func() time.Duration { return time.Second }))
	MustNil(t, err)
	defer loop.Close()

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	r, w := GetSysFdPairs()
	defer unix.Close(r)
	defer unix.Close(w)
	loop.Submit(func(ps *Pollset[string]) {
		if err := ps.Register(r, Readable, "coro-1"); err != nil {
			t.Error(err)
		}
	})
	_, err = unix.Write(w, []byte{'x'})
	MustNil(t, err)

	select {
	case ev := <-resumed:
		Equal(t, ev.FD, r)
		Equal(t, ev.Tag, "coro-1")
		Equal(t, ev.Fired, Readable)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not resumed")
	}

	loop.Stop()
	loop.Stop()
	select {
	case err = <-done:
		MustNil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopContextCancel(t *testing.T) {
	ps := newTestPollset(t)
	loop, err := NewLoop(ps, func(Event[string]) {})
	MustNil(t, err)
	defer loop.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err = <-done:
		MustTrue(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("loop ignored cancellation")
	}
}

func TestLoopRunTwice(t *testing.T) {
	ps := newTestPollset(t)
	var buf bytes.Buffer
	loop, err := NewLoop(ps, func(Event[string]) {}, WithLoopLogger(&buf))
	MustNil(t, err)

	started := make(chan struct{})
	loop.Submit(func(*Pollset[string]) { close(started) })
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	<-started

	err = loop.Run(context.Background())
	MustTrue(t, errors.Is(err, ErrLoopRunning))
	MustTrue(t, errors.Is(loop.Close(), ErrLoopRunning))

	loop.Stop()
	MustNil(t, <-done)
	MustNil(t, loop.Close())
	Equal(t, buf.Len(), 0)
}

func TestLoopLeavesPollsetUsable(t *testing.T) {
	ps := newTestPollset(t)
	var buf bytes.Buffer
	loop, err := NewLoop(ps, func(Event[string]) {}, WithLoopLogger(&buf))
	MustNil(t, err)

	started := make(chan struct{})
	loop.Submit(func(*Pollset[string]) { close(started) })
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	<-started
	loop.Stop()
	MustNil(t, <-done)
	MustNil(t, loop.Close())

	// the waker pipe is gone, the pollset must not trip over it
	_, ok := ps.Lookup(loop.waker.FD())
	MustTrue(t, !ok)
	events, err := ps.Wait(0)
	MustNil(t, err)
	Equal(t, len(events), 0)
	Equal(t, buf.Len(), 0)
}
