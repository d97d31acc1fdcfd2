package consensus

import (
	"github.com/grailbio/consensus/encoding/readio"
	"github.com/grailbio/consensus/groupindex"
	"github.com/pkg/errors"
)

// ClusterIter is a pull iterator that materializes frozen duplicate
// clusters from the group index's ordered iteration. Because index
// keys arrive strictly increasing with each group complete, every
// iteration step of the underlying index is one finished duplicate
// group; no key-change detection against partial data is needed.
//
// A group holding both mates of a pair (or a mix of paired and
// unpaired reads) is split by mate role, so each emitted cluster is
// internally homogeneous. Clusters from one group are emitted in mate
// role order (first, second, unpaired), preserving a deterministic
// total order across the run.
type ClusterIter struct {
	groups  *groupindex.GroupIter
	pending []*Cluster
	cur     *Cluster
	err     error
	done    bool
}

// NewClusterIter wraps the index iterator. The builder owns the
// iterator from here on.
func NewClusterIter(groups *groupindex.GroupIter) *ClusterIter {
	return &ClusterIter{groups: groups}
}

// Scan advances to the next cluster, reporting whether one exists.
func (it *ClusterIter) Scan() bool {
	if it.done {
		return false
	}
	for len(it.pending) == 0 {
		if !it.groups.Scan() {
			it.done = true
			it.err = it.groups.Err()
			return false
		}
		if err := it.buildGroup(it.groups.Key(), it.groups.Bodies()); err != nil {
			it.done = true
			it.err = err
			return false
		}
	}
	it.cur = it.pending[0]
	it.pending = it.pending[1:]
	return true
}

// Cluster returns the current cluster. Requires a true Scan.
func (it *ClusterIter) Cluster() *Cluster { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *ClusterIter) Err() error { return it.err }

// buildGroup decodes one complete index group and splits it into
// per-mate-role clusters.
func (it *ClusterIter) buildGroup(keyBytes []byte, bodies [][]byte) error {
	key, err := DecodeGroupKey(keyBytes)
	if err != nil {
		return &groupindex.StorageError{Err: err}
	}
	var byRole [3][]readio.Record
	for _, body := range bodies {
		var rec readio.Record
		if err := unmarshalRead(body, &rec); err != nil {
			return &groupindex.StorageError{Err: errors.Wrapf(err, "group %s", key)}
		}
		byRole[rec.Mate] = append(byRole[rec.Mate], rec)
	}
	for _, role := range []readio.MateRole{readio.Mate1, readio.Mate2, readio.MateNone} {
		reads := byRole[role]
		if len(reads) == 0 {
			continue
		}
		cluster := &Cluster{Key: key, Mate: role, Reads: reads, Confidence: Full}
		switch {
		case role == readio.Mate1 && len(byRole[readio.Mate2]) == 0,
			role == readio.Mate2 && len(byRole[readio.Mate1]) == 0:
			// Paired-role reads whose mates never arrived.
			cluster.Confidence = Degraded
		case len(reads) == 1:
			cluster.Confidence = Singleton
		}
		it.pending = append(it.pending, cluster)
	}
	return nil
}
