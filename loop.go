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
	"context"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/cloudwego/pollset/internal/runner"
)

// Loop drives a Pollset from one OS thread, the way a scheduler would:
// mutations submitted from other goroutines run between waits, and every
// ready event is handed to the resume function.
type Loop[T comparable] struct {
	ps     *Pollset[T]
	waker  *Waker
	resume func(Event[T])
	opts   *loopOptions

	mu    sync.Mutex
	tasks *queue.Queue // func(*Pollset[T])

	running int32
	stopped int32
}

// LoopOption configures a Loop.
type LoopOption struct {
	f func(*loopOptions)
}

type loopOptions struct {
	timeout func() time.Duration
	runTask func(ctx context.Context, f func())
	logger  *log.Logger
}

// WithTimeout sets the function asked for the wait timeout before every
// wait, typically the time left until the nearest timer. Infinite by default.
func WithTimeout(next func() time.Duration) LoopOption {
	return LoopOption{func(op *loopOptions) {
		op.timeout = next
	}}
}

// WithResumer sets how resume calls are run. By default they run on the
// goroutine pool of internal/runner.
func WithResumer(run func(ctx context.Context, f func())) LoopOption {
	return LoopOption{func(op *loopOptions) {
		op.runTask = run
	}}
}

// WithLoopLogger sends the loop's logs to w instead of the package logger.
func WithLoopLogger(w io.Writer) LoopOption {
	return LoopOption{func(op *loopOptions) {
		op.logger = log.New(w, "", log.LstdFlags)
	}}
}

// NewLoop wraps ps. The loop owns ps while it runs, ps must not be used
// directly from other goroutines, use Submit instead.
func NewLoop[T comparable](ps *Pollset[T], resume func(Event[T]), ops ...LoopOption) (*Loop[T], error) {
	opts := &loopOptions{
		timeout: func() time.Duration { return Infinite },
		runTask: runner.RunTask,
		logger:  logger,
	}
	for _, do := range ops {
		do.f(opts)
	}
	w, err := NewWaker()
	if err != nil {
		return nil, err
	}
	return &Loop[T]{
		ps:     ps,
		waker:  w,
		resume: resume,
		opts:   opts,
		tasks:  queue.New(),
	}, nil
}

// Submit queues f to run on the loop goroutine before its next wait.
// It is safe to call from any goroutine.
func (l *Loop[T]) Submit(f func(ps *Pollset[T])) {
	l.mu.Lock()
	l.tasks.Add(f)
	l.mu.Unlock()
	l.wake()
}

// Stop makes Run return after the current round.
func (l *Loop[T]) Stop() {
	if atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		l.wake()
	}
}

func (l *Loop[T]) wake() {
	if err := l.waker.Wake(); err != nil {
		l.opts.logger.Printf("POLLSET: loop wake failed: %v", err)
	}
}

// Run waits and dispatches until Stop, ctx cancellation, or a pollset error.
func (l *Loop[T]) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return Exception(ErrLoopRunning, "")
	}
	defer atomic.StoreInt32(&l.running, 0)
	defer atomic.StoreInt32(&l.stopped, 0)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	wfd := l.waker.FD()
	var zero T
	if err := l.ps.Register(wfd, Readable, zero); err != nil {
		return err
	}
	defer func() {
		if err := l.ps.Clean(wfd); err != nil {
			l.opts.logger.Printf("POLLSET: loop withdraw waker failed: %v", err)
		}
	}()
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for {
		l.runTasks()
		if atomic.LoadInt32(&l.stopped) == 1 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := l.ps.Wait(l.opts.timeout())
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.FD == wfd {
				if err := l.waker.Drain(); err != nil {
					l.opts.logger.Printf("POLLSET: loop drain waker failed: %v", err)
				}
				continue
			}
			ev := ev
			l.opts.runTask(ctx, func() { l.resume(ev) })
		}
	}
}

func (l *Loop[T]) runTasks() {
	l.mu.Lock()
	n := l.tasks.Length()
	if n == 0 {
		l.mu.Unlock()
		return
	}
	tasks := make([]func(*Pollset[T]), 0, n)
	for l.tasks.Length() > 0 {
		tasks = append(tasks, l.tasks.Remove().(func(*Pollset[T])))
	}
	l.mu.Unlock()
	for _, f := range tasks {
		f(l.ps)
	}
}

// Close releases the waker. It does not close the Pollset.
func (l *Loop[T]) Close() error {
	if atomic.LoadInt32(&l.running) == 1 {
		return Exception(ErrLoopRunning, "when close")
	}
	return l.waker.Close()
}
