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

package pollset

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/cloudwego/pollset/internal/interest"
)

// extends syscall.Errno, the range is set to 0x100-0x1FF
const (
	// ErrInvalidDescriptor is returned for a negative or otherwise malformed descriptor.
	// It is a programmer error and should be treated as fatal by the caller.
	ErrInvalidDescriptor = syscall.Errno(0x101)
	// ErrInvalidInterest is returned when the interest flags are empty or unknown.
	ErrInvalidInterest = syscall.Errno(0x102)
	// ErrPollsetClosed is returned by every operation after Close.
	ErrPollsetClosed = syscall.Errno(0x103)
	// ErrLoopRunning is returned when Run is called on a running Loop.
	ErrLoopRunning = syscall.Errno(0x104)
)

// ErrnoMask extracts the index of a pollset errno within its 0x100 block.
const ErrnoMask = 0xFF

// Exception wraps err with a suffix describing where it happened.
// Sentinels and OS errnos stay reachable through errors.Is.
func Exception(err error, suffix string) error {
	no, ok := err.(syscall.Errno)
	if !ok {
		if suffix == "" {
			return err
		}
		return fmt.Errorf("%w %s", err, suffix)
	}
	return &exception{no: no, suffix: suffix}
}

type exception struct {
	no     syscall.Errno
	suffix string
}

func (e *exception) Error() string {
	var s string
	if i := int(e.no) & ErrnoMask; int(e.no)&^ErrnoMask == 0x100 && i < len(errnos) {
		s = errnos[i]
	}
	if s == "" {
		s = e.no.Error()
	}
	if e.suffix != "" {
		s += " " + e.suffix
	}
	return s
}

func (e *exception) Is(target error) bool {
	if e == target {
		return true
	}
	if e.no == target {
		return true
	}
	return errors.Is(e.no, target)
}

func (e *exception) Unwrap() error {
	return e.no
}

// Errors defined in pollset
var errnos = [...]string{
	ErrnoMask & ErrInvalidDescriptor: "invalid descriptor",
	ErrnoMask & ErrInvalidInterest:   "invalid interest",
	ErrnoMask & ErrPollsetClosed:     "pollset has been closed",
	ErrnoMask & ErrLoopRunning:       "loop is already running",
}

// BackendError reports a failed call into the native mechanism.
type BackendError struct {
	Backend string
	Op      string
	FD      int // -1 when the failure is not tied to a descriptor
	Errno   syscall.Errno
}

func newBackendError(backend, op string, fd int, err error) *BackendError {
	var no syscall.Errno
	if !errors.As(err, &no) {
		no = syscall.EINVAL
	}
	return &BackendError{Backend: backend, Op: op, FD: fd, Errno: no}
}

func (e *BackendError) Error() string {
	if e.FD < 0 {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Op, e.Errno.Error())
	}
	return fmt.Sprintf("%s: %s(fd=%d): %s", e.Backend, e.Op, e.FD, e.Errno.Error())
}

func (e *BackendError) Unwrap() error {
	return e.Errno
}

// translate maps interest table errors onto the pollset errno table.
func translate(err error, fd int) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, interest.ErrInvalidDescriptor):
		return Exception(ErrInvalidDescriptor, fmt.Sprintf("fd=%d", fd))
	case errors.Is(err, interest.ErrInvalidFlags):
		return Exception(ErrInvalidInterest, fmt.Sprintf("fd=%d", fd))
	}
	return err
}
