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
	"encoding/binary"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/recordio"
	"v.io/x/lib/vlog"
)

// Spilled shards are recordio files. Each recordio item is one
// snappy-compressed block holding a run of records in sorted order:
//
//   keyLen  uint32   // length of the key, in bytes
//   bodyLen uint32   // length of the record body, in bytes
//   seq     uint64   // insertion sequence, for stable ordering
//   key     [keyLen]byte
//   body    [bodyLen]byte
//
// There is no padding between records. Blocks are approximately
// shardBlockSize bytes long pre-compression.

const shardBlockSize = 1 << 20
const shardRecordHeaderSize = 16 // keyLen + bodyLen + seq

// shardWriter produces one spilled shard file. Records must be added
// in sorted order. Any error is reported through the shared reporter.
type shardWriter struct {
	rio     recordio.Writer
	block   bytes.Buffer
	lastKey []byte
	err     *errors.Once
}

func newShardWriter(out io.Writer, errReporter *errors.Once) *shardWriter {
	w := &shardWriter{err: errReporter}
	w.rio = recordio.NewWriter(out, recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.([]byte), nil
		},
	})
	return w
}

func (w *shardWriter) add(e entry) {
	if bytes.Compare(e.key, w.lastKey) < 0 {
		vlog.Fatalf("groupindex: key %v decreased, last %v", e.key, w.lastKey)
	}
	w.lastKey = e.key
	var hdr [shardRecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.key)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.body)))
	binary.LittleEndian.PutUint64(hdr[8:16], e.seq)
	w.block.Write(hdr[:])
	w.block.Write(e.key)
	w.block.Write(e.body)
	if w.block.Len() >= shardBlockSize {
		w.flush()
	}
}

func (w *shardWriter) flush() {
	if w.block.Len() == 0 {
		return
	}
	compressed := snappy.Encode(nil, w.block.Bytes())
	w.block.Reset()
	w.rio.Append(compressed)
	w.rio.Flush()
}

// finish flushes pending data. The writer becomes invalid afterwards.
func (w *shardWriter) finish() {
	w.flush()
	if err := w.rio.Finish(); err != nil {
		w.err.Set(&StorageError{err})
	}
}

// shardBlockParser extracts records from one uncompressed block.
type shardBlockParser struct {
	buf []byte
	cur entry
	ok  bool
}

func (p *shardBlockParser) reset(buf []byte) {
	p.buf = buf
	p.next()
}

func (p *shardBlockParser) next() {
	if len(p.buf) < shardRecordHeaderSize {
		p.ok = false
		return
	}
	keyLen := binary.LittleEndian.Uint32(p.buf[0:4])
	bodyLen := binary.LittleEndian.Uint32(p.buf[4:8])
	seq := binary.LittleEndian.Uint64(p.buf[8:16])
	total := shardRecordHeaderSize + int(keyLen) + int(bodyLen)
	if len(p.buf) < total {
		p.ok = false
		return
	}
	p.cur = entry{
		key:  p.buf[shardRecordHeaderSize : shardRecordHeaderSize+keyLen],
		seq:  seq,
		body: p.buf[shardRecordHeaderSize+keyLen : total],
	}
	p.buf = p.buf[total:]
	p.ok = true
}

// shardReader reads one spilled shard file back in sorted order.
type shardReader struct {
	path    string
	f       *os.File
	rio     recordio.Scanner
	parser  shardBlockParser
	started bool
	err     *errors.Once
}

func newShardReader(path string, errReporter *errors.Once) (*shardReader, error) {
	f, err := os.Open(path)
	if err != nil {
		serr := &StorageError{err}
		errReporter.Set(serr)
		return nil, serr
	}
	r := &shardReader{path: path, f: f, err: errReporter}
	r.rio = recordio.NewScanner(f, recordio.ScannerOpts{})
	return r, nil
}

func (r *shardReader) scan() bool {
	if r.started {
		r.parser.next()
	}
	r.started = true
	for !r.parser.ok {
		if !r.rio.Scan() {
			if err := r.rio.Err(); err != nil {
				r.err.Set(&StorageError{err})
			}
			r.close()
			return false
		}
		block, err := snappy.Decode(nil, r.rio.Get().([]byte))
		if err != nil {
			r.err.Set(&StorageError{err})
			r.close()
			return false
		}
		r.parser.reset(block)
	}
	return true
}

func (r *shardReader) entry() entry { return r.parser.cur }

// drain releases the reader when iteration stops before the end of the
// shard. It is a no-op after a completed scan.
func (r *shardReader) drain() { r.close() }

func (r *shardReader) close() {
	if r.f == nil {
		return
	}
	if err := r.f.Close(); err != nil {
		vlog.Errorf("groupindex: close %s: %v", r.path, err)
	}
	r.f = nil
}
