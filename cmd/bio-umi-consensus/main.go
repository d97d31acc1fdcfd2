package main

/*
  bio-umi-consensus collapses duplicate sequencing reads sharing a
  molecular barcode and alignment locus into single error-corrected
  consensus reads. For more information, see
  github.com/grailbio/consensus/read.go
*/

import (
	"flag"
	"runtime"
	"strings"
	"time"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/consensus"
)

var (
	inputPath      = flag.String("input", "-", "Input path. '-' reads tab-delimited records from stdin; a .bam suffix selects BAM, a .gz suffix gzipped text.")
	outputPath     = flag.String("output", "-", "Output path. '-' writes tab-delimited records to stdout; a .fastq/.fq suffix (optionally .gz) selects FASTQ.")
	spillThreshold = flag.Int("spill-threshold", 0, "Number of reads to hold in memory before spilling the group index to disk. 0 uses the built-in default.")
	scratchDir     = flag.String("scratch-dir", "", "Directory to put scratch files. Empty uses the system default.")
	parallelism    = flag.Int("parallelism", runtime.NumCPU(), "Number of parallel consensus computations")
	queueLength    = flag.Int("queue-length", 0, "Number of completed clusters to queue while waiting for in-order output. 0 means parallelism*5.")
	reorderTimeout = flag.Duration("reorder-timeout", consensus.DefaultReorderTimeout, "Abort if the output reorder buffer fails to drain for this long")
	strict         = flag.Bool("strict", false, "Abort the run on a per-cluster consensus failure instead of skipping the cluster")
	skipMalformed  = flag.Bool("skip-malformed", false, "Log and skip malformed input records instead of aborting")
	maxQual        = flag.Int("max-qual", 0, "Cap consensus base qualities at this Phred score. 0 uses the built-in maximum.")
	verboseNames   = flag.Bool("verbose-names", false, "Carry the names of all supporting reads into each output record")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *inputPath == "" || *outputPath == "" {
		log.Fatalf("both -input and -output are required")
	}

	start := time.Now()
	err := consensus.Run(vcontext.Background(), consensus.Opts{
		InputPath:      *inputPath,
		OutputPath:     *outputPath,
		SpillThreshold: *spillThreshold,
		ScratchDir:     *scratchDir,
		Parallelism:    *parallelism,
		QueueLength:    *queueLength,
		ReorderTimeout: *reorderTimeout,
		Strict:         *strict,
		SkipMalformed:  *skipMalformed,
		VerboseNames:   *verboseNames,
		MaxQual:        *maxQual,
	})
	if err != nil {
		log.Fatalf("consensus calling failed: %v", err)
	}
	log.Printf("done in %v", time.Since(start))
}
