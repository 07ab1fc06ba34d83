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
	"syscall"
	"testing"
)

func TestErrno(t *testing.T) {
	var err1 error = Exception(ErrInvalidDescriptor, "fd=-2")
	MustTrue(t, errors.Is(err1, ErrInvalidDescriptor))
	Equal(t, err1.Error(), "invalid descriptor fd=-2")
	t.Logf("error1=%s", err1)

	var err2 error = Exception(syscall.EBADF, "when wait")
	MustTrue(t, errors.Is(err2, syscall.EBADF))
	Equal(t, err2.Error(), "bad file descriptor when wait")
	t.Logf("error2=%s", err2)

	var err3 error = Exception(errors.New("boom"), "")
	Equal(t, err3.Error(), "boom")
}

func TestBackendError(t *testing.T) {
	err := newBackendError("epoll", "epoll_ctl(add)", 7, syscall.EPERM)
	Equal(t, err.Error(), "epoll: epoll_ctl(add)(fd=7): "+syscall.EPERM.Error())
	MustTrue(t, errors.Is(err, syscall.EPERM))
	Equal(t, err.Errno, syscall.EPERM)

	err = newBackendError("poll", "poll", -1, errors.New("not an errno"))
	Equal(t, err.Errno, syscall.EINVAL)
	Equal(t, err.Error(), "poll: poll: "+syscall.EINVAL.Error())
}
