package consensus

import (
	"context"
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/consensus/encoding/readio"
	"github.com/grailbio/consensus/groupindex"
)

// DefaultReorderTimeout is the default bound on waiting for the
// next-in-order result during fan-out.
const DefaultReorderTimeout = 5 * time.Minute

// Opts configures one consensus-calling run.
type Opts struct {
	// InputPath is the alignment-record source ("-" for stdin).
	InputPath string
	// OutputPath is the consensus-record sink ("-" for stdout).
	OutputPath string
	// SpillThreshold is the number of reads buffered in memory before
	// the group index spills to disk. 0 means the index default.
	SpillThreshold int
	// ScratchDir is the directory for temporary index storage.
	ScratchDir string
	// Parallelism is the consensus worker count. 0 means NumCPU.
	Parallelism int
	// QueueLength bounds completed-but-unemitted results. 0 means
	// Parallelism * 5.
	QueueLength int
	// ReorderTimeout bounds waiting for the next in-order result.
	ReorderTimeout time.Duration
	// Strict aborts on per-cluster failures instead of skipping.
	Strict bool
	// SkipMalformed logs and skips malformed input records instead of
	// aborting.
	SkipMalformed bool
	// VerboseNames carries supporting read names into the output.
	VerboseNames bool
	// MaxQual clips consensus qualities. 0 means the caller default.
	MaxQual int
}

// Run executes a complete consensus-calling run: a single-threaded
// ingest phase populating the group index, then a parallel fan-out
// phase over the frozen clusters. The two phases are strictly ordered;
// the index insert path is retired before fan-out begins. On any
// fatal error no partial output file or temporary index storage is
// left behind.
func Run(ctx context.Context, opts Opts) (err error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.QueueLength <= 0 {
		opts.QueueLength = opts.Parallelism * 5
	}
	if opts.ReorderTimeout <= 0 {
		opts.ReorderTimeout = DefaultReorderTimeout
	}

	reader, err := readio.NewReader(opts.InputPath)
	if err != nil {
		return err
	}
	idx := groupindex.New(groupindex.Opts{
		SpillThreshold: opts.SpillThreshold,
		TmpDir:         opts.ScratchDir,
	})
	defer func() {
		// Scoped acquisition: index temp state is removed on both
		// normal completion and error exit.
		if e := idx.Close(); e != nil && err == nil {
			err = e
		}
	}()

	// Phase 1: sequential population of the group index. Concurrent
	// writers would void the strictly-increasing iteration guarantee,
	// so there is exactly one.
	t0 := time.Now()
	ingested, skipped := 0, 0
	var rec readio.Record
	for {
		if err := ctx.Err(); err != nil {
			reader.Close() // nolint: errcheck
			return err
		}
		if reader.Scan(&rec) {
			if err := idx.Add(keyFromRecord(&rec).Encode(), marshalRead(&rec)); err != nil {
				reader.Close() // nolint: errcheck
				return err
			}
			ingested++
			continue
		}
		scanErr := reader.Err()
		if scanErr == nil {
			break
		}
		if readio.IsMalformed(scanErr) && opts.SkipMalformed {
			skipped++
			log.Error.Printf("skipping malformed record: %v", scanErr)
			continue
		}
		reader.Close() // nolint: errcheck
		return errors.E(scanErr, "reading "+opts.InputPath)
	}
	if err := reader.Close(); err != nil {
		return err
	}
	log.Debug.Printf("ingested %d reads (%d skipped) in %v", ingested, skipped, time.Since(t0))

	// Phase 2: parallel fan-out over frozen clusters. The index handle
	// is retired here; workers never touch it.
	groups, err := idx.Groups()
	if err != nil {
		return err
	}
	writer, err := readio.NewWriter(opts.OutputPath, readio.WriterOpts{VerboseNames: opts.VerboseNames})
	if err != nil {
		return err
	}
	t1 := time.Now()
	runErr := runClusters(NewClusterIter(groups), ExecutorOpts{
		Parallelism:    opts.Parallelism,
		QueueLength:    opts.QueueLength,
		ReorderTimeout: opts.ReorderTimeout,
		Strict:         opts.Strict,
		Caller:         CallerOpts{MaxQual: opts.MaxQual},
	}, func(r *ConsensusRead) error {
		return writer.Write(r.boundary())
	})
	if closeErr := writer.Close(); runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		if opts.OutputPath != "-" {
			if e := file.Remove(ctx, opts.OutputPath); e != nil {
				log.Error.Printf("failed to remove partial output %s: %v", opts.OutputPath, e)
			}
		}
		return runErr
	}
	log.Debug.Printf("fan-out done in %v", time.Since(t1))
	return nil
}
