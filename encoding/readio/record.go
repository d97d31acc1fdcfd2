// Package readio provides readers and writers for the alignment-record
// and consensus-record boundaries of the consensus caller. Formats are
// selected by path suffix: tab-delimited text (optionally gzipped) and
// BAM on the input side, tab-delimited text and FASTQ (optionally
// gzipped) on the output side.
package readio

import (
	"strconv"
	"strings"

	"github.com/grailbio/consensus/encoding/fastq"
	"github.com/pkg/errors"
)

// ErrMalformedRecord is the cause of all record parse failures. Use
// IsMalformed to test for it across wrapping.
var ErrMalformedRecord = errors.New("malformed record")

// IsMalformed reports whether err was caused by a malformed input record.
func IsMalformed(err error) bool {
	return errors.Cause(err) == ErrMalformedRecord
}

// MateRole identifies a read's role within a template.
type MateRole uint8

const (
	// MateNone marks an unpaired read.
	MateNone MateRole = iota
	// Mate1 marks the first read of a pair.
	Mate1
	// Mate2 marks the second read of a pair.
	Mate2
)

func (m MateRole) String() string {
	switch m {
	case Mate1:
		return "1"
	case Mate2:
		return "2"
	}
	return "0"
}

// Record is one aligned, barcode-tagged sequencing read. Qual holds raw
// Phred scores (not ASCII-offset). Records are not modified after Scan
// fills them in.
type Record struct {
	Name    string
	Ref     string
	Pos     int
	Reverse bool
	UMI     string
	Mate    MateRole
	Seq     []byte
	Qual    []byte
}

// Consensus is one consensus read at the output boundary.
type Consensus struct {
	Ref        string
	Pos        int
	Reverse    bool
	UMI        string
	Mate       MateRole
	Seq        []byte
	Qual       []byte // raw Phred scores
	Support    int    // number of reads in the duplicate cluster
	Discordant []int  // per-position count of disagreeing reads
	Confidence string // "full", "degraded" or "singleton"
	Names      []string
}

// Input TSV columns, in order:
//   name  ref  pos  strand  umi  mate  seq  qual
// pos is 0-based, strand is + or -, mate is 0/1/2, qual is Phred+33.
const numRecordColumns = 8

func strandChar(reverse bool) byte {
	if reverse {
		return '-'
	}
	return '+'
}

// parseRecord parses one tab-delimited input line into rec.
func parseRecord(line string, rec *Record) error {
	fields := strings.Split(line, "\t")
	if len(fields) != numRecordColumns {
		return errors.Wrapf(ErrMalformedRecord, "got %d columns, want %d", len(fields), numRecordColumns)
	}
	rec.Name = fields[0]
	rec.Ref = fields[1]
	if rec.Ref == "" {
		return errors.Wrap(ErrMalformedRecord, "empty ref name")
	}
	pos, err := strconv.Atoi(fields[2])
	if err != nil || pos < 0 {
		return errors.Wrapf(ErrMalformedRecord, "bad position %q", fields[2])
	}
	rec.Pos = pos
	switch fields[3] {
	case "+":
		rec.Reverse = false
	case "-":
		rec.Reverse = true
	default:
		return errors.Wrapf(ErrMalformedRecord, "bad strand %q", fields[3])
	}
	rec.UMI = fields[4]
	if rec.UMI == "" {
		return errors.Wrap(ErrMalformedRecord, "empty barcode")
	}
	switch fields[5] {
	case "0":
		rec.Mate = MateNone
	case "1":
		rec.Mate = Mate1
	case "2":
		rec.Mate = Mate2
	default:
		return errors.Wrapf(ErrMalformedRecord, "bad mate role %q", fields[5])
	}
	rec.Seq = []byte(fields[6])
	if len(rec.Seq) == 0 {
		return errors.Wrap(ErrMalformedRecord, "empty sequence")
	}
	qual, err := fastq.DecodeQual(fields[7])
	if err != nil {
		return errors.Wrapf(ErrMalformedRecord, "bad quality %q", fields[7])
	}
	if len(qual) != len(rec.Seq) {
		return errors.Wrapf(ErrMalformedRecord, "seq length %d != qual length %d", len(rec.Seq), len(qual))
	}
	rec.Qual = qual
	return nil
}
