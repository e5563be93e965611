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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllowList(t *testing.T) {
	l := NewAllowList()
	require.Equal(t, []string{"127.0.0.1", "::1", "::ffff:127.0.0.1"}, l.List())
	require.True(t, l.Contains("127.0.0.1"))
	require.True(t, l.Contains("::1"))
	require.True(t, l.Contains("::ffff:127.0.0.1"))
	require.False(t, l.Contains("10.0.0.1"))
}

func TestAllowList_Replace(t *testing.T) {
	l := NewAllowList()
	l.Replace([]string{"1.1.1.1", "2.2.2.2", "1.1.1.1"})
	require.Equal(t, []string{"127.0.0.1", "::1", "::ffff:127.0.0.1", "1.1.1.1", "2.2.2.2", "1.1.1.1"}, l.List())
	require.True(t, l.Contains("2.2.2.2"))

	l.Replace([]string{"3.3.3.3"})
	require.Equal(t, []string{"127.0.0.1", "::1", "::ffff:127.0.0.1", "3.3.3.3"}, l.List())
	require.False(t, l.Contains("1.1.1.1"))

	l.Replace(nil)
	require.Equal(t, FixedAllowList, l.List())
}

func TestAllowList_ExactMatch(t *testing.T) {
	l := NewAllowList()
	l.Replace([]string{"10.0.0.0/8", "::FFFF:10.1.1.1"})
	require.False(t, l.Contains("10.1.2.3"))
	require.False(t, l.Contains("::ffff:10.1.1.1"))
	require.True(t, l.Contains("10.0.0.0/8"))
	require.False(t, l.Contains(""))
}

func TestAllowList_DoesNotAlias(t *testing.T) {
	l := NewAllowList()
	addresses := []string{"1.1.1.1"}
	l.Replace(addresses)
	addresses[0] = "9.9.9.9"
	require.True(t, l.Contains("1.1.1.1"))
	require.False(t, l.Contains("9.9.9.9"))

	list := l.List()
	list[0] = "8.8.8.8"
	require.True(t, l.Contains("127.0.0.1"))
	require.False(t, l.Contains("8.8.8.8"))
}

func TestAllowList_Concurrent(t *testing.T) {
	l := NewAllowList()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Replace([]string{"1.1.1.1"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, l.Contains("127.0.0.1"))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, []string{"127.0.0.1", "::1", "::ffff:127.0.0.1", "1.1.1.1"}, l.List())
}
