// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"slices"
	"sync/atomic"
)

// FixedAllowList holds the loopback addresses that are always allowed, in the order they appear in every list.
var FixedAllowList = []string{"127.0.0.1", "::1", "::ffff:127.0.0.1"}

// AllowList is the set of source IP addresses allowed to use the proxy.
//
// The list is replaced wholesale and never modified in place, so concurrent readers always see
// either the previous or the new list.
type AllowList struct {
	entries atomic.Pointer[[]string]
}

// NewAllowList returns an [AllowList] holding only [FixedAllowList].
func NewAllowList() *AllowList {
	l := &AllowList{}
	l.Replace(nil)
	return l
}

// Replace sets the list to [FixedAllowList] followed by addresses.
// Order and duplicates are kept. Entries pushed by earlier calls are dropped.
func (l *AllowList) Replace(addresses []string) {
	entries := make([]string, 0, len(FixedAllowList)+len(addresses))
	entries = append(entries, FixedAllowList...)
	entries = append(entries, addresses...)
	l.entries.Store(&entries)
}

// Contains reports whether ip is in the list. The comparison is an exact string match.
func (l *AllowList) Contains(ip string) bool {
	return slices.Contains(*l.entries.Load(), ip)
}

// List returns a copy of the current entries.
func (l *AllowList) List() []string {
	return slices.Clone(*l.entries.Load())
}
