package consensus

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/consensus/encoding/readio"
	"github.com/grailbio/consensus/groupindex"
	"github.com/grailbio/testutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testIter ingests the records into a fresh index and returns a builder
// over them. The cleanup must run after the iterator is drained.
func testIter(t *testing.T, recs []readio.Record) (*ClusterIter, func()) {
	tempDir, dirCleanup := testutil.TempDir(t, "", "")
	idx := groupindex.New(groupindex.Opts{TmpDir: tempDir})
	for i := range recs {
		require.NoError(t, idx.Add(keyFromRecord(&recs[i]).Encode(), marshalRead(&recs[i])))
	}
	groups, err := idx.Groups()
	require.NoError(t, err)
	return NewClusterIter(groups), func() {
		idx.Close() // nolint: errcheck
		dirCleanup()
	}
}

// umiRecs builds one singleton group per barcode, in shuffled input
// order so emission order must come from the index, not the input.
func umiRecs(umis ...string) []readio.Record {
	recs := make([]readio.Record, len(umis))
	for i, umi := range umis {
		recs[i] = rec(fmt.Sprintf("r%d", i), "chr1", 100, false, umi, readio.MateNone)
	}
	return recs
}

func defaultExecutorOpts() ExecutorOpts {
	return ExecutorOpts{Parallelism: 4, QueueLength: 8, ReorderTimeout: time.Minute}
}

func TestExecutorOrdering(t *testing.T) {
	// Later clusters complete first; emission order must still follow
	// the builder's key order.
	umis := []string{"TT", "GG", "CC", "AA", "AC", "AG"}
	iter, cleanup := testIter(t, umiRecs(umis...))
	defer cleanup()

	defer func() { callFn = Call }()
	var started int32
	callFn = func(c *Cluster, opts CallerOpts) (*ConsensusRead, error) {
		// The first few dispatched clusters finish last.
		if atomic.AddInt32(&started, 1) <= 3 {
			time.Sleep(50 * time.Millisecond)
		}
		return Call(c, opts)
	}

	var got []string
	err := runClusters(iter, defaultExecutorOpts(), func(r *ConsensusRead) error {
		got = append(got, r.Key.UMI)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AA", "AC", "AG", "CC", "GG", "TT"}, got)
}

func TestExecutorStrictAbort(t *testing.T) {
	iter, cleanup := testIter(t, umiRecs("AA", "CC", "GG"))
	defer cleanup()

	defer func() { callFn = Call }()
	callFn = func(c *Cluster, opts CallerOpts) (*ConsensusRead, error) {
		if c.Key.UMI == "CC" {
			return nil, errors.New("boom")
		}
		return Call(c, opts)
	}

	opts := defaultExecutorOpts()
	opts.Strict = true
	var got []string
	err := runClusters(iter, opts, func(r *ConsensusRead) error {
		got = append(got, r.Key.UMI)
		return nil
	})
	require.Error(t, err)
	// The failing group and its member reads are named in the error.
	assert.Contains(t, err.Error(), "chr1:100:+:CC")
	assert.Contains(t, err.Error(), "r1")
	// Results before the failure were already emitted in order.
	assert.Equal(t, []string{"AA"}, got)
}

func TestExecutorSkipFailures(t *testing.T) {
	iter, cleanup := testIter(t, umiRecs("AA", "CC", "GG"))
	defer cleanup()

	defer func() { callFn = Call }()
	callFn = func(c *Cluster, opts CallerOpts) (*ConsensusRead, error) {
		if c.Key.UMI == "CC" {
			return nil, errors.New("boom")
		}
		return Call(c, opts)
	}

	var got []string
	err := runClusters(iter, defaultExecutorOpts(), func(r *ConsensusRead) error {
		got = append(got, r.Key.UMI)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AA", "GG"}, got)
}

func TestExecutorEmitError(t *testing.T) {
	iter, cleanup := testIter(t, umiRecs("AA", "CC", "GG"))
	defer cleanup()

	sinkErr := errors.New("sink full")
	err := runClusters(iter, defaultExecutorOpts(), func(r *ConsensusRead) error {
		return sinkErr
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink full")
}

func TestExecutorBackpressureTimeout(t *testing.T) {
	iter, cleanup := testIter(t, umiRecs("AA", "CC", "GG"))
	defer cleanup()

	defer func() { callFn = Call }()
	callFn = func(c *Cluster, opts CallerOpts) (*ConsensusRead, error) {
		if c.Key.UMI == "AA" {
			// Stall the next-in-order result past the drain bound.
			time.Sleep(300 * time.Millisecond)
		}
		return Call(c, opts)
	}

	opts := defaultExecutorOpts()
	opts.ReorderTimeout = 20 * time.Millisecond
	err := runClusters(iter, opts, func(r *ConsensusRead) error { return nil })
	require.Error(t, err)
	assert.True(t, IsBackpressureTimeout(err), "got %T: %v", err, err)
}

func TestExecutorEmpty(t *testing.T) {
	iter, cleanup := testIter(t, nil)
	defer cleanup()
	err := runClusters(iter, defaultExecutorOpts(), func(r *ConsensusRead) error {
		t.Fatal("unexpected emit")
		return nil
	})
	require.NoError(t, err)
}
