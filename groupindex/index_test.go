// Copyright 2020 Grail Inc.
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
package groupindex

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains an index, returning key to bodies in iteration order.
func collect(t *testing.T, idx *Index) ([]string, map[string][]string) {
	iter, err := idx.Groups()
	require.NoError(t, err)
	var keys []string
	groups := make(map[string][]string)
	for iter.Scan() {
		key := string(iter.Key())
		keys = append(keys, key)
		for _, body := range iter.Bodies() {
			groups[key] = append(groups[key], string(body))
		}
	}
	require.NoError(t, iter.Err())
	return keys, groups
}

func TestEmpty(t *testing.T) {
	idx := New(Opts{})
	keys, _ := collect(t, idx)
	assert.Empty(t, keys)
	assert.NoError(t, idx.Close())
}

func TestOrderingAndGrouping(t *testing.T) {
	idx := New(Opts{})
	for _, kv := range []struct{ key, body string }{
		{"chr2/100", "d"},
		{"chr1/100", "a"},
		{"chr1/200", "c"},
		{"chr1/100", "b"},
	} {
		require.NoError(t, idx.Add([]byte(kv.key), []byte(kv.body)))
	}
	keys, groups := collect(t, idx)
	assert.Equal(t, []string{"chr1/100", "chr1/200", "chr2/100"}, keys)
	// Bodies with equal keys come back in insertion order.
	assert.Equal(t, []string{"a", "b"}, groups["chr1/100"])
	assert.Equal(t, []string{"c"}, groups["chr1/200"])
	assert.Equal(t, []string{"d"}, groups["chr2/100"])
	assert.NoError(t, idx.Close())
}

func addSynthetic(t *testing.T, idx *Index, n int) {
	rnd := rand.New(rand.NewSource(0))
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("chr%d/%08d", rnd.Intn(3)+1, rnd.Intn(500))
		body := fmt.Sprintf("read%d", i)
		require.NoError(t, idx.Add([]byte(key), []byte(body)))
	}
}

// Spilling must not change the logical output, only the memory
// footprint.
func TestSpillTransparency(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	const n = 10000
	unbounded := New(Opts{TmpDir: tempDir})
	addSynthetic(t, unbounded, n)
	wantKeys, wantGroups := collect(t, unbounded)
	require.NoError(t, unbounded.Close())

	for _, threshold := range []int{50, 997, 4096} {
		spilled := New(Opts{SpillThreshold: threshold, TmpDir: tempDir})
		addSynthetic(t, spilled, n)
		keys, groups := collect(t, spilled)
		assert.Equal(t, wantKeys, keys, "threshold %d", threshold)
		assert.Equal(t, wantGroups, groups, "threshold %d", threshold)
		require.NoError(t, spilled.Close())
	}
}

func TestTempFileCleanup(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	idx := New(Opts{SpillThreshold: 10, TmpDir: tempDir})
	addSynthetic(t, idx, 1000)
	keys, _ := collect(t, idx)
	assert.NotEmpty(t, keys)
	require.NoError(t, idx.Close())

	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, files, "temporary shard files must be removed by Close")
}

// Close before iteration must also remove spilled state.
func TestTempFileCleanupOnAbort(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	idx := New(Opts{SpillThreshold: 10, TmpDir: tempDir})
	addSynthetic(t, idx, 1000)
	require.NoError(t, idx.Close())

	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

// An iterator abandoned mid-scan must not hold shard files open past
// Close.
func TestCloseReleasesAbandonedIterator(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	idx := New(Opts{SpillThreshold: 10, TmpDir: tempDir})
	addSynthetic(t, idx, 1000)
	iter, err := idx.Groups()
	require.NoError(t, err)
	require.True(t, iter.Scan())
	require.NoError(t, idx.Close())

	for _, s := range iter.streams {
		if r, ok := s.(*shardReader); ok {
			assert.Nil(t, r.f, "shard %s still open after Close", r.path)
		}
	}
	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEntryCompare(t *testing.T) {
	for _, tc := range []struct {
		a, b entry
		want int
	}{
		{entry{key: []byte("a"), seq: 1}, entry{key: []byte("a"), seq: 1}, 0},
		{entry{key: []byte("a"), seq: 1}, entry{key: []byte("a"), seq: 2}, -1},
		{entry{key: []byte("a"), seq: 2}, entry{key: []byte("a"), seq: 1}, 1},
		{entry{key: []byte("a"), seq: 9}, entry{key: []byte("b"), seq: 1}, -1},
		{entry{key: []byte("b"), seq: 1}, entry{key: []byte("ab"), seq: 1}, 1},
	} {
		assert.Equal(t, tc.want, tc.a.compare(tc.b))
	}
}
