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
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func init() {
	backendOpeners["epoll"] = openEpoll
}

func TestEpollRegularFile(t *testing.T) {
	b, err := openEpoll(newOptions(nil))
	MustNil(t, err)
	ps := newPollset[string](b, newOptions(nil))
	defer ps.Close()

	f, err := os.Create(filepath.Join(t.TempDir(), "regular"))
	MustNil(t, err)
	defer f.Close()
	fd := int(f.Fd())

	// epoll refuses regular files, the failure names the descriptor
	MustNil(t, ps.Register(fd, Readable, "file"))
	_, err = ps.Wait(0)
	var berr *BackendError
	MustTrue(t, errors.As(err, &berr))
	Equal(t, berr.Backend, "epoll")
	Equal(t, berr.Op, "epoll_ctl(add)")
	Equal(t, berr.FD, fd)
	MustTrue(t, errors.Is(err, syscall.EPERM))

	// the refused interest is rolled back, so a retry adds instead of modifying
	_, ok := ps.Lookup(fd)
	MustTrue(t, !ok)
	Equal(t, ps.Len(), 0)
	MustNil(t, ps.Register(fd, Writable, "file"))
	_, err = ps.Wait(0)
	MustTrue(t, errors.As(err, &berr))
	Equal(t, berr.Op, "epoll_ctl(add)")
	MustTrue(t, errors.Is(err, syscall.EPERM))

	// the pollset keeps working once the offender is cleaned
	MustNil(t, ps.Clean(fd))
	events, err := ps.Wait(0)
	MustNil(t, err)
	Equal(t, len(events), 0)
}
