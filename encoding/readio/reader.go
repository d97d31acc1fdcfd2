package readio

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Reader is the capability interface for alignment-record sources. The
// concrete variant is selected at startup from the input path. Readers
// are not threadsafe.
type Reader interface {
	// Scan fills rec with the next record and reports whether one was
	// read. A false return with a non-nil Err means the current record
	// was malformed; the caller may keep scanning to skip it.
	Scan(rec *Record) bool
	// Err returns the error that stopped the last Scan, nil at EOF.
	Err() error
	// Close releases the underlying file. Must be called exactly once.
	Close() error
}

// NewReader opens path and returns the reader variant matching its
// suffix: ".bam" for BAM, anything else is treated as tab-delimited
// text, gunzipped first when the suffix is ".gz". Path "-" reads
// tab-delimited text from stdin.
func NewReader(path string) (Reader, error) {
	if path == "-" {
		return newTSVReader(os.Stdin, noopCloser{}), nil
	}
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	closer := &fileCloser{f: f}
	if strings.HasSuffix(path, ".bam") {
		return newBAMReader(f.Reader(ctx), closer)
	}
	var in io.Reader = f.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			closer.Close() // nolint: errcheck
			return nil, errors.Wrapf(err, "%s: open gzip", path)
		}
		closer.gz = gz
		in = gz
	}
	return newTSVReader(in, closer), nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// fileCloser closes the gzip layer (if any) before the base file.
type fileCloser struct {
	f  file.File
	gz *gzip.Reader
}

func (c *fileCloser) Close() error {
	var err error
	if c.gz != nil {
		err = c.gz.Close()
	}
	if e := c.f.Close(vcontext.Background()); e != nil && err == nil {
		err = e
	}
	return err
}

// tsvReader scans tab-delimited alignment records. Lines starting with
// '#' are skipped.
type tsvReader struct {
	b      *bufio.Scanner
	closer io.Closer
	line   int
	err    error
	eof    bool
}

func newTSVReader(r io.Reader, closer io.Closer) *tsvReader {
	return &tsvReader{b: bufio.NewScanner(r), closer: closer}
}

func (r *tsvReader) Scan(rec *Record) bool {
	if r.eof {
		return false
	}
	r.err = nil
	for {
		if !r.b.Scan() {
			r.eof = true
			r.err = r.b.Err()
			return false
		}
		r.line++
		line := r.b.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if err := parseRecord(line, rec); err != nil {
			r.err = errors.Wrapf(err, "line %d", r.line)
			return false
		}
		return true
	}
}

func (r *tsvReader) Err() error { return r.err }

func (r *tsvReader) Close() error { return r.closer.Close() }
