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

//go:build unix && !pollset_epoll && !pollset_kqueue && (pollset_poll || (linux && pollset_noepoll) || ((darwin || dragonfly || freebsd || netbsd || openbsd) && pollset_nokqueue) || !(linux || darwin || dragonfly || freebsd || netbsd || openbsd))

package pollset

// openBackend links poll(2), forced or as the fallback of every other unix.
func openBackend(o *options) (backend, error) {
	return openPortable(o)
}
