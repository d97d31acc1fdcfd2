package readio

import (
	"io"

	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

var umiTag = sam.NewTag("RX")

// bamReader adapts a BAM stream to the Reader interface. The molecular
// barcode is taken from the RX aux tag. Secondary and supplementary
// alignments are skipped; unmapped or untagged records are reported as
// malformed so the ingest policy decides their fate.
type bamReader struct {
	r      *bam.Reader
	closer io.Closer
	err    error
	eof    bool
}

func newBAMReader(in io.Reader, closer io.Closer) (*bamReader, error) {
	r, err := bam.NewReader(in, 1)
	if err != nil {
		closer.Close() // nolint: errcheck
		return nil, errors.Wrap(err, "open BAM")
	}
	return &bamReader{r: r, closer: closer}, nil
}

func (b *bamReader) Scan(rec *Record) bool {
	if b.eof {
		return false
	}
	b.err = nil
	for {
		samRec, err := b.r.Read()
		if err == io.EOF {
			b.eof = true
			return false
		}
		if err != nil {
			b.eof = true
			b.err = err
			return false
		}
		if samRec.Flags&(sam.Secondary|sam.Supplementary) != 0 {
			continue
		}
		if err := fromSAMRecord(samRec, rec); err != nil {
			b.err = errors.Wrapf(err, "read %q", samRec.Name)
			return false
		}
		return true
	}
}

func fromSAMRecord(samRec *sam.Record, rec *Record) error {
	if samRec.Flags&sam.Unmapped != 0 || samRec.Ref == nil {
		return errors.Wrap(ErrMalformedRecord, "unmapped read")
	}
	aux := samRec.AuxFields.Get(umiTag)
	if aux == nil {
		return errors.Wrap(ErrMalformedRecord, "no RX barcode tag")
	}
	umi, ok := aux.Value().(string)
	if !ok || umi == "" {
		return errors.Wrap(ErrMalformedRecord, "empty RX barcode tag")
	}
	rec.Name = samRec.Name
	rec.Ref = samRec.Ref.Name()
	rec.Pos = samRec.Pos
	rec.Reverse = samRec.Flags&sam.Reverse != 0
	rec.UMI = umi
	switch {
	case samRec.Flags&sam.Paired == 0:
		rec.Mate = MateNone
	case samRec.Flags&sam.Read1 != 0:
		rec.Mate = Mate1
	default:
		rec.Mate = Mate2
	}
	rec.Seq = samRec.Seq.Expand()
	rec.Qual = samRec.Qual
	if len(rec.Seq) == 0 || len(rec.Seq) != len(rec.Qual) {
		return errors.Wrap(ErrMalformedRecord, "missing or mismatched seq/qual")
	}
	return nil
}

func (b *bamReader) Err() error { return b.err }

func (b *bamReader) Close() error {
	err := b.r.Close()
	if e := b.closer.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
