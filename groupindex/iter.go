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
	"bytes"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
)

// entryStream is a sorted stream of entries. Implemented by the
// in-memory batch and by spilled shard readers.
type entryStream interface {
	// scan advances to the next entry, reporting whether one exists.
	scan() bool
	// entry returns the current entry. Requires a true scan.
	entry() entry
	// drain releases the stream when iteration stops early.
	drain()
}

// mergeLeaf wraps an entryStream for the llrb merge tree. seq breaks
// ties between leafs positioned at equal entries.
type mergeLeaf struct {
	seq    int
	stream entryStream
}

func (l *mergeLeaf) Compare(c llrb.Comparable) int {
	other := c.(*mergeLeaf)
	if c := l.stream.entry().compare(other.stream.entry()); c != 0 {
		return c
	}
	return l.seq - other.seq
}

// GroupIter iterates over complete groups in strictly increasing key
// order. It is finite and non-restartable.
//
//   iter, err := idx.Groups()
//   ...
//   for iter.Scan() {
//     use iter.Key(), iter.Bodies()
//   }
//   err := iter.Err()
type GroupIter struct {
	leafs   llrb.Tree
	streams []entryStream
	err     *errors.Once

	key    []byte
	bodies [][]byte

	pending    entry
	hasPending bool
	done       bool
}

func newGroupIter(streams []entryStream, errReporter *errors.Once) *GroupIter {
	it := &GroupIter{streams: streams, err: errReporter}
	for i, s := range streams {
		if s.scan() {
			it.leafs.Insert(&mergeLeaf{seq: i, stream: s})
		}
	}
	return it
}

// nextEntry pops the smallest entry across all streams.
func (it *GroupIter) nextEntry() (entry, bool) {
	if it.hasPending {
		it.hasPending = false
		return it.pending, true
	}
	min := it.leafs.Min()
	if min == nil {
		return entry{}, false
	}
	leaf := min.(*mergeLeaf)
	e := leaf.stream.entry()
	it.leafs.DeleteMin()
	if leaf.stream.scan() {
		it.leafs.Insert(leaf)
	}
	return e, true
}

// Scan materializes the next group. It returns false at the end of the
// sequence or on a storage error; check Err afterwards.
func (it *GroupIter) Scan() bool {
	if it.done {
		return false
	}
	first, ok := it.nextEntry()
	if !ok || it.err.Err() != nil {
		it.stop()
		return false
	}
	it.key = first.key
	it.bodies = it.bodies[:0]
	it.bodies = append(it.bodies, first.body)
	for {
		e, ok := it.nextEntry()
		if !ok {
			break
		}
		if it.err.Err() != nil {
			it.stop()
			return false
		}
		if !bytes.Equal(e.key, it.key) {
			it.pending = e
			it.hasPending = true
			break
		}
		it.bodies = append(it.bodies, e.body)
	}
	return true
}

// Key returns the current group's key. Valid until the next Scan.
func (it *GroupIter) Key() []byte { return it.key }

// Bodies returns the current group's record bodies in insertion order.
// Valid until the next Scan.
func (it *GroupIter) Bodies() [][]byte { return it.bodies }

// Err returns the first error encountered during iteration.
func (it *GroupIter) Err() error { return it.err.Err() }

func (it *GroupIter) stop() {
	if it.done {
		return
	}
	it.done = true
	for _, s := range it.streams {
		s.drain()
	}
}
