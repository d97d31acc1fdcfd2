package consensus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
)

// BackpressureTimeoutError reports that the reordering buffer failed
// to drain within the configured bound: the next-in-order result never
// arrived, which signals a stuck worker. Key is the last group emitted
// before the stall.
type BackpressureTimeoutError struct {
	Key     GroupKey
	Timeout time.Duration
}

func (e *BackpressureTimeoutError) Error() string {
	return fmt.Sprintf("reorder buffer did not drain within %v (last emitted group %s)", e.Timeout, e.Key)
}

// IsBackpressureTimeout reports whether err is a BackpressureTimeoutError.
func IsBackpressureTimeout(err error) bool {
	_, ok := err.(*BackpressureTimeoutError)
	return ok
}

// ExecutorOpts controls the parallel fan-out phase.
type ExecutorOpts struct {
	// Parallelism is the number of consensus workers.
	Parallelism int
	// QueueLength bounds the number of completed-but-unemitted results.
	// When the bound is reached, dispatch halts until the reordering
	// buffer drains.
	QueueLength int
	// ReorderTimeout bounds how long the drain loop waits for the
	// next-in-order result before declaring the run stuck.
	ReorderTimeout time.Duration
	// Strict aborts the run on a per-cluster failure instead of
	// skipping the cluster.
	Strict bool
	// Caller is passed through to Call.
	Caller CallerOpts
}

type clusterJob struct {
	seq     int
	cluster *Cluster
}

type clusterResult struct {
	cluster *Cluster
	read    *ConsensusRead
	err     error
}

// callFn is what workers invoke per cluster. Tests substitute it to
// inject completion-order permutations and failures.
var callFn = Call

// runClusters fans clusters out to a bounded worker pool and invokes
// emit for each consensus read in the builder's order, regardless of
// worker completion order. Workers share no mutable state; each
// cluster is frozen before dispatch. A per-cluster failure never emits
// a partial result: under Strict the run aborts with the failing
// GroupKey and member read names, otherwise the cluster is skipped
// with a log line.
func runClusters(iter *ClusterIter, opts ExecutorOpts, emit func(*ConsensusRead) error) error {
	queue := syncqueue.NewOrderedQueue(opts.QueueLength)
	jobs := make(chan clusterJob, opts.Parallelism)
	abort := make(chan struct{})
	var abortOnce sync.Once
	errOnce := errors.Once{}
	fail := func(err error) {
		errOnce.Set(err)
		abortOnce.Do(func() {
			close(abort)
			queue.Close(err) // nolint: errcheck
		})
	}

	// Feeder: pulls frozen clusters off the builder in order and tags
	// each with a dense sequence number for reordering.
	go func() {
		seq := 0
		for iter.Scan() {
			select {
			case jobs <- clusterJob{seq, iter.Cluster()}:
				seq++
			case <-abort:
				close(jobs)
				return
			}
		}
		if err := iter.Err(); err != nil {
			fail(err)
		}
		close(jobs)
	}()

	var workers sync.WaitGroup
	for i := 0; i < opts.Parallelism; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for job := range jobs {
				read, err := callFn(job.cluster, opts.Caller)
				res := clusterResult{cluster: job.cluster, read: read, err: err}
				// Insert blocks while the reorder buffer is full,
				// which in turn halts dispatch: bounded memory under
				// skewed per-cluster latency.
				if err := queue.Insert(job.seq, res); err != nil {
					return // queue closed: the run is aborting
				}
			}
		}()
	}
	go func() {
		workers.Wait()
		queue.Close(nil) // nolint: errcheck
	}()

	// Drain loop: re-emits results in input order.
	type nextResult struct {
		v   interface{}
		ok  bool
		err error
	}
	nextCh := make(chan nextResult, 1)
	go func() {
		for {
			v, ok, err := queue.Next()
			nextCh <- nextResult{v, ok, err}
			if !ok || err != nil {
				return
			}
		}
	}()

	var lastKey GroupKey
	emitted := 0
	for {
		var next nextResult
		select {
		case next = <-nextCh:
		case <-time.After(opts.ReorderTimeout):
			fail(&BackpressureTimeoutError{Key: lastKey, Timeout: opts.ReorderTimeout})
			workers.Wait()
			return errOnce.Err()
		}
		if next.err != nil || !next.ok {
			break
		}
		res := next.v.(clusterResult)
		lastKey = res.cluster.Key
		if res.err != nil {
			if opts.Strict {
				fail(errors.E(res.err, fmt.Sprintf("consensus failed for group %s (reads %s)",
					res.cluster.Key, strings.Join(res.cluster.Names(), ","))))
				break
			}
			log.Error.Printf("skipping group %s: %v", res.cluster.Key, res.err)
			continue
		}
		if err := emit(res.read); err != nil {
			fail(err)
			break
		}
		emitted++
	}
	workers.Wait()
	if err := errOnce.Err(); err != nil {
		return err
	}
	log.Debug.Printf("emitted %d consensus reads", emitted)
	return nil
}
