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

// Package groupindex implements an ordered, spill-capable keyed-record
// store. Records are buffered in memory and, past a configured
// threshold, sorted and spilled to snappy-compressed temporary shard
// files. Iteration performs an N-way merge across the spilled shards
// and the residual in-memory batch, yielding each distinct key exactly
// once together with all of its records, in strictly increasing key
// order. Spilling never changes the logical output, only the memory
// footprint.
//
// An Index must be populated by a single writer. Groups retires the
// insert path; Add must not be called afterwards. Close removes all
// temporary state and must be called on every exit path.
package groupindex

import (
	"bytes"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// StorageError wraps a failure to read or write spilled index state.
// A storage failure is fatal for the run: once a spill is lost the
// index can no longer guarantee ordered, complete iteration.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "group index storage error: " + e.Err.Error()
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	_, ok := err.(*StorageError)
	return ok
}

// DefaultSpillThreshold is the default number of records to keep in
// memory before spilling to disk.
const DefaultSpillThreshold = 1 << 20

// DefaultParallelism is the default number of background spill workers.
const DefaultParallelism = 2

// Opts controls Index behavior.
type Opts struct {
	// SpillThreshold is the number of records to buffer in memory before
	// sorting and spilling them to a temporary shard file. Mainly useful
	// for tests; the default suffices for most applications.
	SpillThreshold int

	// Parallelism limits the number of background spill workers. Memory
	// consumption grows linearly with this value.
	Parallelism int

	// TmpDir is the directory for temporary shard files. "" means the
	// system default.
	TmpDir string
}

// entry is one buffered record. seq preserves insertion order among
// entries with equal keys, making iteration stable.
type entry struct {
	key  []byte
	seq  uint64
	body []byte
}

// compare returns -1, 0, 1 if e sorts before, equal to, or after other.
func (e entry) compare(other entry) int {
	if c := bytes.Compare(e.key, other.key); c != 0 {
		return c
	}
	if e.seq < other.seq {
		return -1
	}
	if e.seq > other.seq {
		return 1
	}
	return 0
}

// Index is an ordered keyed-record store with transparent spilling.
type Index struct {
	opts    Opts
	nextSeq uint64
	batch   []entry
	err     errors.Once

	spillCh chan []entry
	wg      sync.WaitGroup

	mu     sync.Mutex
	shards []string // paths of temporary shard files

	iterating bool
	iter      *GroupIter
	closed    bool
}

// New creates an empty Index. The caller must call Close when done,
// whether or not iteration completed.
func New(opts Opts) *Index {
	if opts.SpillThreshold <= 0 {
		opts.SpillThreshold = DefaultSpillThreshold
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	idx := &Index{
		opts:    opts,
		spillCh: make(chan []entry, opts.Parallelism),
	}
	for i := 0; i < opts.Parallelism; i++ {
		idx.wg.Add(1)
		go func() {
			defer idx.wg.Done()
			for batch := range idx.spillCh {
				path := idx.spillBatch(batch)
				if path == "" {
					continue
				}
				idx.mu.Lock()
				idx.shards = append(idx.shards, path)
				idx.mu.Unlock()
			}
		}()
	}
	return idx
}

// Add inserts one record under key. The index takes ownership of both
// slices. Add returns a storage error if an earlier spill failed;
// such an error is fatal and the index must be Closed.
func (idx *Index) Add(key, body []byte) error {
	if idx.iterating || idx.closed {
		vlog.Fatalf("groupindex: Add after Groups or Close")
	}
	idx.batch = append(idx.batch, entry{key: key, seq: idx.nextSeq, body: body})
	idx.nextSeq++
	if len(idx.batch) >= idx.opts.SpillThreshold {
		idx.spillCh <- idx.batch
		idx.batch = nil
	}
	return idx.err.Err()
}

// spillBatch sorts one batch and writes it to a temporary shard file,
// returning its path, or "" after reporting an error.
func (idx *Index) spillBatch(batch []entry) string {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].compare(batch[j]) < 0
	})
	temp, err := ioutil.TempFile(idx.opts.TmpDir, "groupindex")
	if err != nil {
		idx.err.Set(&StorageError{err})
		return ""
	}
	vlog.VI(1).Infof("spilling %d records to %s", len(batch), temp.Name())
	w := newShardWriter(temp, &idx.err)
	for _, e := range batch {
		w.add(e)
	}
	w.finish()
	if err := temp.Close(); err != nil {
		idx.err.Set(&StorageError{err})
	}
	return temp.Name()
}

// Groups retires the insert path and returns a pull iterator over the
// complete groups in strictly increasing key order. It may be called
// at most once.
func (idx *Index) Groups() (*GroupIter, error) {
	if idx.iterating || idx.closed {
		vlog.Fatalf("groupindex: Groups called twice or after Close")
	}
	idx.iterating = true
	close(idx.spillCh)
	idx.wg.Wait()
	if err := idx.err.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(idx.batch, func(i, j int) bool {
		return idx.batch[i].compare(idx.batch[j]) < 0
	})
	streams := make([]entryStream, 0, len(idx.shards)+1)
	if len(idx.batch) > 0 {
		streams = append(streams, &memStream{entries: idx.batch})
	}
	idx.mu.Lock()
	shards := idx.shards
	idx.mu.Unlock()
	for _, path := range shards {
		r, err := newShardReader(path, &idx.err)
		if err != nil {
			return nil, err
		}
		streams = append(streams, r)
	}
	vlog.VI(1).Infof("iterating over %d spilled shards and %d in-memory records",
		len(shards), len(idx.batch))
	idx.iter = newGroupIter(streams, &idx.err)
	return idx.iter, nil
}

// Close removes all temporary state. It is safe to call after an
// error, before iteration, or after iteration completed.
func (idx *Index) Close() error {
	if idx.closed {
		return idx.err.Err()
	}
	idx.closed = true
	if !idx.iterating {
		close(idx.spillCh)
		idx.wg.Wait()
	}
	// An abandoned iterator still holds shard file descriptors; release
	// them before removing the files.
	if idx.iter != nil {
		idx.iter.stop()
	}
	idx.mu.Lock()
	shards := idx.shards
	idx.shards = nil
	idx.mu.Unlock()
	for _, path := range shards {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			vlog.Errorf("groupindex: failed to remove temp file %s: %v", path, err)
		}
	}
	return idx.err.Err()
}

// memStream adapts the sorted in-memory batch to the entryStream
// interface used by the N-way merge.
type memStream struct {
	entries []entry
	started bool
}

func (m *memStream) scan() bool {
	if !m.started {
		m.started = true
	} else if len(m.entries) > 0 {
		m.entries = m.entries[1:]
	}
	return len(m.entries) > 0
}

func (m *memStream) entry() entry { return m.entries[0] }

func (m *memStream) drain() {}
