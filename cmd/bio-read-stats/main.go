package main

// bio-read-stats summarizes alignment-record files: read counts,
// length and quality means, distinct duplicate groups, and an
// order-independent content fingerprint. Files are processed in
// parallel; the report is one tab-delimited row per file.
//
// Usage: bio-read-stats input1.tsv input2.bam ...

import (
	"flag"
	"fmt"
	"os"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/consensus/encoding/readio"
)

var (
	outputPath    = flag.String("output", "-", "Report path, '-' for stdout")
	skipMalformed = flag.Bool("skip-malformed", false, "Count and skip malformed records instead of aborting")
)

// fileStats accumulates the summary of one input file.
type fileStats struct {
	path      string
	reads     int
	malformed int
	bases     int64
	gcBases   int64
	qualSum   int64
	minLen    int
	maxLen    int
	groups    int
	// fingerprint is the XOR of each read sequence's farm fingerprint.
	// XOR makes it independent of record order, so two files holding the
	// same reads compare equal regardless of sort.
	fingerprint uint64
}

func collect(path string) (*fileStats, error) {
	reader, err := readio.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close() // nolint: errcheck

	stats := &fileStats{path: path}
	seen := make(map[string]struct{})
	var rec readio.Record
	for {
		if reader.Scan(&rec) {
			stats.reads++
			stats.bases += int64(len(rec.Seq))
			if stats.reads == 1 || len(rec.Seq) < stats.minLen {
				stats.minLen = len(rec.Seq)
			}
			if len(rec.Seq) > stats.maxLen {
				stats.maxLen = len(rec.Seq)
			}
			for _, b := range rec.Seq {
				if b == 'G' || b == 'C' || b == 'g' || b == 'c' {
					stats.gcBases++
				}
			}
			for _, q := range rec.Qual {
				stats.qualSum += int64(q)
			}
			groupID := fmt.Sprintf("%s\x00%d\x00%v\x00%s", rec.Ref, rec.Pos, rec.Reverse, rec.UMI)
			if _, ok := seen[groupID]; !ok {
				seen[groupID] = struct{}{}
				stats.groups++
			}
			stats.fingerprint ^= farm.Fingerprint64(rec.Seq)
			continue
		}
		scanErr := reader.Err()
		if scanErr == nil {
			break
		}
		if readio.IsMalformed(scanErr) && *skipMalformed {
			stats.malformed++
			continue
		}
		return nil, scanErr
	}
	return stats, nil
}

func writeReport(stats []*fileStats) error {
	var w *tsv.Writer
	if *outputPath == "-" {
		w = tsv.NewWriter(os.Stdout)
	} else {
		ctx := vcontext.Background()
		f, err := file.Create(ctx, *outputPath)
		if err != nil {
			return err
		}
		defer f.Close(ctx) // nolint: errcheck
		w = tsv.NewWriter(f.Writer(ctx))
	}
	w.WriteString("#PATH\tREADS\tMALFORMED\tGROUPS\tMIN_LENGTH\tMAX_LENGTH\tMEAN_LENGTH\tMEAN_QUAL\tGC_FRAC\tFINGERPRINT")
	if err := w.EndLine(); err != nil {
		return err
	}
	for _, s := range stats {
		meanLen, meanQual, gcFrac := 0.0, 0.0, 0.0
		if s.reads > 0 {
			meanLen = float64(s.bases) / float64(s.reads)
		}
		if s.bases > 0 {
			meanQual = float64(s.qualSum) / float64(s.bases)
			gcFrac = float64(s.gcBases) / float64(s.bases)
		}
		w.WriteString(s.path)
		w.WriteUint32(uint32(s.reads))
		w.WriteUint32(uint32(s.malformed))
		w.WriteUint32(uint32(s.groups))
		w.WriteUint32(uint32(s.minLen))
		w.WriteUint32(uint32(s.maxLen))
		w.WriteString(fmt.Sprintf("%.1f", meanLen))
		w.WriteString(fmt.Sprintf("%.1f", meanQual))
		w.WriteString(fmt.Sprintf("%.3f", gcFrac))
		w.WriteString(fmt.Sprintf("%016x", s.fingerprint))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	paths := flag.Args()
	if len(paths) == 0 {
		log.Fatalf("usage: bio-read-stats [flags] path...")
	}
	stats := make([]*fileStats, len(paths))
	err := traverse.Each(len(paths), func(i int) error {
		s, err := collect(paths[i])
		if err != nil {
			return fmt.Errorf("%s: %v", paths[i], err)
		}
		stats[i] = s
		return nil
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := writeReport(stats); err != nil {
		log.Fatalf("write report: %v", err)
	}
}
