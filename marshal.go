package consensus

import (
	"encoding/binary"

	"github.com/grailbio/consensus/encoding/readio"
	"github.com/pkg/errors"
)

// Index bodies carry a full alignment record in a compact binary form:
//
//   flags   uint8    // bit 0: reverse strand; bits 1-2: mate role
//   pos     uint32
//   nameLen uint16
//   refLen  uint16
//   umiLen  uint16
//   seqLen  uint32
//   name    [nameLen]byte
//   ref     [refLen]byte
//   umi     [umiLen]byte
//   seq     [seqLen]byte
//   qual    [seqLen]byte  // raw Phred scores

const readHeaderSize = 1 + 4 + 2 + 2 + 2 + 4

// marshalRead serializes rec for storage in the group index.
func marshalRead(rec *readio.Record) []byte {
	n := readHeaderSize + len(rec.Name) + len(rec.Ref) + len(rec.UMI) + 2*len(rec.Seq)
	buf := make([]byte, n)
	flags := byte(rec.Mate) << 1
	if rec.Reverse {
		flags |= 1
	}
	buf[0] = flags
	binary.LittleEndian.PutUint32(buf[1:5], uint32(rec.Pos))
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(rec.Name)))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(len(rec.Ref)))
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(rec.UMI)))
	binary.LittleEndian.PutUint32(buf[11:15], uint32(len(rec.Seq)))
	off := readHeaderSize
	off += copy(buf[off:], rec.Name)
	off += copy(buf[off:], rec.Ref)
	off += copy(buf[off:], rec.UMI)
	off += copy(buf[off:], rec.Seq)
	copy(buf[off:], rec.Qual)
	return buf
}

// unmarshalRead deserializes a body produced by marshalRead. The
// returned record owns its memory; it does not alias buf.
func unmarshalRead(buf []byte, rec *readio.Record) error {
	if len(buf) < readHeaderSize {
		return errors.New("short read record")
	}
	flags := buf[0]
	rec.Reverse = flags&1 != 0
	rec.Mate = readio.MateRole(flags >> 1)
	if rec.Mate > readio.Mate2 {
		return errors.Errorf("bad mate role %d", rec.Mate)
	}
	rec.Pos = int(binary.LittleEndian.Uint32(buf[1:5]))
	nameLen := int(binary.LittleEndian.Uint16(buf[5:7]))
	refLen := int(binary.LittleEndian.Uint16(buf[7:9]))
	umiLen := int(binary.LittleEndian.Uint16(buf[9:11]))
	seqLen := int(binary.LittleEndian.Uint32(buf[11:15]))
	if len(buf) != readHeaderSize+nameLen+refLen+umiLen+2*seqLen {
		return errors.Errorf("read record length %d does not match header", len(buf))
	}
	off := readHeaderSize
	rec.Name = string(buf[off : off+nameLen])
	off += nameLen
	rec.Ref = string(buf[off : off+refLen])
	off += refLen
	rec.UMI = string(buf[off : off+umiLen])
	off += umiLen
	rec.Seq = append([]byte(nil), buf[off:off+seqLen]...)
	off += seqLen
	rec.Qual = append([]byte(nil), buf[off:off+seqLen]...)
	return nil
}
