package main

// bio-fastq-filter copies FASTQ reads from input to output, dropping
// reads that are too short, too low-quality, or too N-rich. Gzipped
// files are handled transparently on both sides.
//
// Usage: bio-fastq-filter -input in.fastq.gz -output out.fastq

import (
	"flag"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/consensus/encoding/fastq"
	"github.com/klauspost/compress/gzip"
)

var (
	inputPath   = flag.String("input", "-", "Input FASTQ path, '-' for stdin")
	outputPath  = flag.String("output", "-", "Output FASTQ path, '-' for stdout")
	minLength   = flag.Int("min-length", 0, "Drop reads shorter than this many bases")
	minMeanQual = flag.Float64("min-mean-qual", 0, "Drop reads whose mean Phred quality is below this value")
	maxFracN    = flag.Float64("max-frac-n", 1, "Drop reads whose fraction of N bases exceeds this value")
	trimTo      = flag.Int("trim-to", 0, "Trim reads to at most this many bases before filtering. 0 disables trimming.")
)

func openInput(path string) (io.Reader, func()) {
	if path == "-" {
		return os.Stdin, func() {}
	}
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		log.Fatalf("open %v: %v", path, err)
	}
	var in io.Reader = f.Reader(ctx)
	cleanup := func() { f.Close(ctx) } // nolint: errcheck
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			log.Fatalf("open %v: %v", path, err)
		}
		in = gz
	}
	return in, cleanup
}

func openOutput(path string) (io.Writer, func()) {
	if path == "-" {
		return os.Stdout, func() {}
	}
	ctx := vcontext.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Fatalf("create %v: %v", path, err)
	}
	var out io.Writer = f.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(out)
		return gz, func() {
			if err := gz.Close(); err != nil {
				log.Fatalf("close %v: %v", path, err)
			}
			if err := f.Close(ctx); err != nil {
				log.Fatalf("close %v: %v", path, err)
			}
		}
	}
	return out, func() {
		if err := f.Close(ctx); err != nil {
			log.Fatalf("close %v: %v", path, err)
		}
	}
}

func keep(r *fastq.Read) bool {
	if len(r.Seq) < *minLength {
		return false
	}
	if r.MeanQual() < *minMeanQual {
		return false
	}
	return r.FracN() <= *maxFracN
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	in, inCleanup := openInput(*inputPath)
	defer inCleanup()
	out, outCleanup := openOutput(*outputPath)

	scanner := fastq.NewScanner(in)
	writer := fastq.NewWriter(out)
	var read fastq.Read
	total, kept := 0, 0
	for scanner.Scan(&read) {
		total++
		if *trimTo > 0 {
			read.Trim(*trimTo)
		}
		if !keep(&read) {
			continue
		}
		if err := writer.Write(&read); err != nil {
			log.Fatalf("write %v: %v", *outputPath, err)
		}
		kept++
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read %v: %v", *inputPath, err)
	}
	outCleanup()
	log.Printf("kept %d of %d reads", kept, total)
}
