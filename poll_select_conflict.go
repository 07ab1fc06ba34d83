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

//go:build (pollset_epoll && pollset_kqueue) || (pollset_epoll && pollset_poll) || (pollset_kqueue && pollset_poll)

package pollset

// Only one of the pollset_epoll, pollset_kqueue and pollset_poll tags may be set.
var _ = only_one_pollset_backend_tag_may_be_set
