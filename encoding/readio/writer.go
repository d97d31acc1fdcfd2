package readio

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/consensus/encoding/fastq"
	"github.com/klauspost/compress/gzip"
)

// Writer is the capability interface for consensus-record sinks. The
// concrete variant is selected at startup from the output path.
type Writer interface {
	// Write emits one consensus read.
	Write(c *Consensus) error
	// Close flushes and releases the underlying file. Must be called
	// exactly once.
	Close() error
}

// WriterOpts controls consensus output rendering.
type WriterOpts struct {
	// VerboseNames appends the names of all supporting reads to each
	// consensus read name.
	VerboseNames bool
}

// NewWriter creates path and returns the writer variant matching its
// suffix: ".fastq"/".fq" (optionally + ".gz") for FASTQ, anything else
// for tab-delimited text, gzipped when the suffix is ".gz". Path "-"
// writes tab-delimited text to stdout.
func NewWriter(path string, opts WriterOpts) (Writer, error) {
	if path == "-" {
		return &tsvWriter{w: tsv.NewWriter(os.Stdout), closer: noopCloser{}, opts: opts}, nil
	}
	ctx := vcontext.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	var out io.Writer = f.Writer(ctx)
	closer := &writeCloser{f: f}
	base := strings.TrimSuffix(path, ".gz")
	if base != path {
		gz := gzip.NewWriter(out)
		closer.gz = gz
		out = gz
	}
	if strings.HasSuffix(base, ".fastq") || strings.HasSuffix(base, ".fq") {
		return &fastqWriter{w: fastq.NewWriter(out), closer: closer, opts: opts}, nil
	}
	return &tsvWriter{w: tsv.NewWriter(out), closer: closer, opts: opts}, nil
}

// writeCloser closes the gzip layer (if any) before the base file.
type writeCloser struct {
	f  file.File
	gz *gzip.Writer
}

func (c *writeCloser) Close() error {
	var err error
	if c.gz != nil {
		err = c.gz.Close()
	}
	if e := c.f.Close(vcontext.Background()); e != nil && err == nil {
		err = e
	}
	return err
}

// consensusName renders the identity of a consensus read:
//   <ref>:<pos>:<strand>:<umi>/<mate>
func consensusName(c *Consensus, verbose bool) string {
	name := fmt.Sprintf("%s:%d:%c:%s/%s", c.Ref, c.Pos, strandChar(c.Reverse), c.UMI, c.Mate.String())
	if verbose && len(c.Names) > 0 {
		name += " " + strings.Join(c.Names, ",")
	}
	return name
}

func discordantString(counts []int) string {
	if len(counts) == 0 {
		return "."
	}
	var b strings.Builder
	for i, n := range counts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// tsvWriter renders consensus reads as tab-delimited text with columns
//   ref  pos  strand  umi  mate  support  confidence  seq  qual  discordant
// qual is Phred+33, discordant is a comma-separated per-position count.
type tsvWriter struct {
	w      *tsv.Writer
	closer io.Closer
	opts   WriterOpts
	wrote  bool
}

func (w *tsvWriter) Write(c *Consensus) error {
	if !w.wrote {
		w.wrote = true
		header := "#REF\tPOS\tSTRAND\tUMI\tMATE\tSUPPORT\tCONFIDENCE\tSEQ\tQUAL\tDISCORDANT"
		if w.opts.VerboseNames {
			header += "\tNAMES"
		}
		w.w.WriteString(header)
		if err := w.w.EndLine(); err != nil {
			return err
		}
	}
	w.w.WriteString(c.Ref)
	w.w.WriteUint32(uint32(c.Pos))
	w.w.WriteByte(strandChar(c.Reverse))
	w.w.WriteString(c.UMI)
	w.w.WriteString(c.Mate.String())
	w.w.WriteUint32(uint32(c.Support))
	w.w.WriteString(c.Confidence)
	w.w.WriteString(string(c.Seq))
	w.w.WriteString(fastq.EncodeQual(c.Qual))
	w.w.WriteString(discordantString(c.Discordant))
	if w.opts.VerboseNames {
		w.w.WriteString(strings.Join(c.Names, ","))
	}
	return w.w.EndLine()
}

func (w *tsvWriter) Close() error {
	err := w.w.Flush()
	if e := w.closer.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// fastqWriter renders consensus reads as FASTQ records. Support count
// and confidence ride along in the description.
type fastqWriter struct {
	w      *fastq.Writer
	closer io.Closer
	opts   WriterOpts
}

func (w *fastqWriter) Write(c *Consensus) error {
	id := fmt.Sprintf("@%s reads=%d conf=%s", consensusName(c, w.opts.VerboseNames), c.Support, c.Confidence)
	return w.w.Write(&fastq.Read{
		ID:   id,
		Seq:  string(c.Seq),
		Qual: fastq.EncodeQual(c.Qual),
	})
}

func (w *fastqWriter) Close() error {
	return w.closer.Close()
}
