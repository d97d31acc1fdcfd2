// Package fastq provides a scanner and writer for FASTQ read data,
// plus helpers for working with Phred+33 quality strings.
package fastq

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrShort is returned when a truncated FASTQ file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid FASTQ file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
)

// QualOffset is the ASCII offset of Phred+33 encoded quality strings.
const QualOffset = 33

// MaxQual is the largest Phred score representable in Phred+33 ('~').
const MaxQual = 93

// A Read is a FASTQ read, comprising an ID, sequence, line 3
// ("unknown"), and a quality string.
type Read struct {
	ID, Seq, Unk, Qual string
}

// Trim cuts the read and quality lengths to at most n.
func (r *Read) Trim(n int) {
	if len(r.Seq) > n {
		r.Seq = r.Seq[:n]
	}
	if len(r.Qual) > n {
		r.Qual = r.Qual[:n]
	}
}

// MeanQual returns the mean Phred score of the read's quality string,
// or 0 for an empty read.
func (r *Read) MeanQual() float64 {
	if len(r.Qual) == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < len(r.Qual); i++ {
		sum += int(r.Qual[i]) - QualOffset
	}
	return float64(sum) / float64(len(r.Qual))
}

// FracN returns the fraction of 'N' (or 'n') bases in the read.
func (r *Read) FracN() float64 {
	if len(r.Seq) == 0 {
		return 0
	}
	n := 0
	for i := 0; i < len(r.Seq); i++ {
		if r.Seq[i] == 'N' || r.Seq[i] == 'n' {
			n++
		}
	}
	return float64(n) / float64(len(r.Seq))
}

// DecodeQual converts a Phred+33 quality string into raw Phred scores.
// Scores outside [0, MaxQual] are reported as an ErrInvalid.
func DecodeQual(qual string) ([]byte, error) {
	out := make([]byte, len(qual))
	for i := 0; i < len(qual); i++ {
		q := int(qual[i]) - QualOffset
		if q < 0 || q > MaxQual {
			return nil, ErrInvalid
		}
		out[i] = byte(q)
	}
	return out, nil
}

// EncodeQual converts raw Phred scores into a Phred+33 quality string.
// Scores above MaxQual are clipped.
func EncodeQual(qual []byte) string {
	out := make([]byte, len(qual))
	for i, q := range qual {
		if q > MaxQual {
			q = MaxQual
		}
		out[i] = q + QualOffset
	}
	return string(out)
}

var errEOF = errors.New("eof")

// Scanner provides a convenient interface for reading FASTQ read
// data. The Scan method returns the next read, returning a boolean
// indicating whether the read succeeded. Scanners are not
// threadsafe.
//
// Scanner performs some validation: it requires ID lines to begin
// with "@", line 3 to begin with "+", and the sequence and quality
// strings to have equal length.
type Scanner struct {
	b   *bufio.Scanner
	err error
}

// NewScanner constructs a new Scanner that reads raw FASTQ data from
// the provided reader.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{b: bufio.NewScanner(r)}
}

// Scan the next read into the provided read. Scan returns a boolean
// indicating whether the scan succeeded. Once Scan returns false, it
// never returns true again. Upon completion, the user should check
// the Err method to determine whether scanning stopped because of an
// error or because the end of the stream was reached.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil {
		return false
	}
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = errEOF
		}
		return false
	}
	id := f.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		f.err = ErrInvalid
		return false
	}
	read.ID = string(id)
	if !f.scan() {
		return false
	}
	read.Seq = f.b.Text()
	if !f.scan() {
		return false
	}
	unk := f.b.Bytes()
	if len(unk) == 0 || unk[0] != '+' {
		f.err = ErrInvalid
		return false
	}
	read.Unk = string(unk)
	if !f.scan() {
		return false
	}
	read.Qual = f.b.Text()
	if len(read.Qual) != len(read.Seq) {
		f.err = ErrInvalid
		return false
	}
	return true
}

func (f *Scanner) scan() bool {
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = ErrShort
		}
		return false
	}
	return true
}

// Err returns the error that caused scanning to stop, or nil if
// scanning stopped at the end of the input.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}
