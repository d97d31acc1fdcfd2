// Package consensus collapses duplicate sequencing reads that share a
// molecular barcode and genomic locus into single error-corrected
// consensus reads. It consumes alignment records from
// encoding/readio, accumulates them in a groupindex.Index, and calls a
// probabilistic per-base consensus over each duplicate cluster, in
// parallel, emitting results in strictly increasing group-key order.
package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/consensus/encoding/readio"
	"github.com/pkg/errors"
)

// GroupKey identifies one duplicate cluster: all reads sharing a
// contig, alignment position, strand, and molecular barcode are
// presumed copies of one original molecule. Barcodes are compared for
// exact equality only; a barcode differing by even one character forms
// a separate cluster.
type GroupKey struct {
	Ref     string
	Pos     int
	Reverse bool
	UMI     string
}

func (k GroupKey) String() string {
	strand := byte('+')
	if k.Reverse {
		strand = '-'
	}
	return fmt.Sprintf("%s:%d:%c:%s", k.Ref, k.Pos, strand, k.UMI)
}

// Encode renders the key in a binary-comparable form:
// bytes.Compare of two encoded keys orders them by contig, then
// position, then strand (forward first), then barcode.
func (k GroupKey) Encode() []byte {
	buf := make([]byte, 0, len(k.Ref)+1+5+len(k.UMI))
	buf = append(buf, k.Ref...)
	buf = append(buf, 0)
	var pos [4]byte
	binary.BigEndian.PutUint32(pos[:], uint32(k.Pos))
	buf = append(buf, pos[:]...)
	if k.Reverse {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, k.UMI...)
	return buf
}

// DecodeGroupKey parses a key produced by Encode.
func DecodeGroupKey(buf []byte) (GroupKey, error) {
	sep := bytes.IndexByte(buf, 0)
	if sep < 0 || len(buf) < sep+6 {
		return GroupKey{}, errors.New("short group key")
	}
	return GroupKey{
		Ref:     string(buf[:sep]),
		Pos:     int(binary.BigEndian.Uint32(buf[sep+1 : sep+5])),
		Reverse: buf[sep+5] == 1,
		UMI:     string(buf[sep+6:]),
	}, nil
}

// keyFromRecord derives the GroupKey of an alignment record.
func keyFromRecord(rec *readio.Record) GroupKey {
	return GroupKey{Ref: rec.Ref, Pos: rec.Pos, Reverse: rec.Reverse, UMI: rec.UMI}
}

// Confidence grades a consensus read.
type Confidence uint8

const (
	// Full marks a consensus backed by a multi-read cluster with a
	// paired mate cluster (or no pairing expected).
	Full Confidence = iota
	// Degraded marks a consensus from an unmatched-mate cluster or one
	// that needed local recovery from corrupt member data.
	Degraded
	// Singleton marks a consensus backed by a single read.
	Singleton
)

func (c Confidence) String() string {
	switch c {
	case Degraded:
		return "degraded"
	case Singleton:
		return "singleton"
	}
	return "full"
}

// Cluster is a frozen duplicate cluster: a non-empty set of reads
// sharing one GroupKey and one mate role. Clusters are exclusively
// owned by the builder during accumulation and must not be mutated
// after hand-off to the caller.
type Cluster struct {
	Key        GroupKey
	Mate       readio.MateRole
	Reads      []readio.Record
	Confidence Confidence
}

// Names returns the member read names, for error context and verbose
// output.
func (c *Cluster) Names() []string {
	names := make([]string, len(c.Reads))
	for i := range c.Reads {
		names[i] = c.Reads[i].Name
	}
	return names
}

// ConsensusRead is the error-corrected synthesis of one cluster. Its
// sequence length equals the minimum read length within the cluster.
type ConsensusRead struct {
	Key        GroupKey
	Mate       readio.MateRole
	Seq        []byte
	Qual       []byte // raw Phred scores
	Support    int
	Discordant []int
	Confidence Confidence
	Names      []string
}

// boundary converts a consensus read to its output-boundary form.
func (r *ConsensusRead) boundary() *readio.Consensus {
	return &readio.Consensus{
		Ref:        r.Key.Ref,
		Pos:        r.Key.Pos,
		Reverse:    r.Key.Reverse,
		UMI:        r.Key.UMI,
		Mate:       r.Mate,
		Seq:        r.Seq,
		Qual:       r.Qual,
		Support:    r.Support,
		Discordant: r.Discordant,
		Confidence: r.Confidence.String(),
		Names:      r.Names,
	}
}
