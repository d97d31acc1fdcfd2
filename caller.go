package consensus

import (
	"math"

	"github.com/pkg/errors"
)

// MaxQual is the largest Phred score a consensus base can carry, and
// the largest score accepted from a member read. Member scores above
// it are clamped and the cluster's confidence is downgraded instead of
// failing the run.
const MaxQual = 93

// maxErrProb caps the per-base error probability so that the
// log-likelihood of an agreeing observation stays finite even for
// quality 0 bases.
const maxErrProb = 0.75

// CallerOpts controls consensus calling.
type CallerOpts struct {
	// MaxQual clips recalibrated consensus quality scores. Defaults to
	// the package constant when 0.
	MaxQual int
}

var baseIndex = [256]int8{}

func init() {
	for i := range baseIndex {
		baseIndex[i] = -1
	}
	baseIndex['A'], baseIndex['a'] = 0, 0
	baseIndex['C'], baseIndex['c'] = 1, 1
	baseIndex['G'], baseIndex['g'] = 2, 2
	baseIndex['T'], baseIndex['t'] = 3, 3
}

var indexBase = [4]byte{'A', 'C', 'G', 'T'}

// errProb converts a raw Phred score to an error probability, capped
// so log terms stay finite.
func errProb(qual byte) float64 {
	e := math.Pow(10, -float64(qual)/10)
	if e > maxErrProb {
		e = maxErrProb
	}
	return e
}

// logSumExp10 returns log10(sum of 10^x for x in xs), computed stably.
func logSumExp10(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, -1) {
		return m
	}
	sum := 0.0
	for _, x := range xs {
		sum += math.Pow(10, x-m)
	}
	return m + math.Log10(sum)
}

// Call computes the consensus read for a frozen cluster.
//
// Let L be the minimum read length in the cluster; positions at or
// beyond L are covered by only a subset of the reads and are excluded
// from the consensus (the truncation policy for length-discordant
// clusters). For each position in [0, L), the observed bases and their
// quality-derived error probabilities are combined into a posterior
// log-likelihood for each of the four bases; the maximizing base wins,
// with ties broken toward the lexicographically smaller symbol. The
// consensus quality is the Phred-scaled posterior error probability of
// the winner, clipped to MaxQual. Bases other than A/C/G/T contribute
// no likelihood; a position where no read is informative is called 'N'
// with quality 0.
//
// Corrupt member qualities (above MaxQual) are recovered locally: they
// are clamped and the result is degraded, never a run failure.
func Call(c *Cluster, opts CallerOpts) (*ConsensusRead, error) {
	if len(c.Reads) == 0 {
		return nil, errors.Errorf("%s: empty cluster", c.Key)
	}
	maxQual := opts.MaxQual
	if maxQual <= 0 || maxQual > MaxQual {
		maxQual = MaxQual
	}

	length := len(c.Reads[0].Seq)
	for _, r := range c.Reads[1:] {
		if len(r.Seq) < length {
			length = len(r.Seq)
		}
	}

	confidence := c.Confidence
	seq := make([]byte, length)
	qual := make([]byte, length)
	discordant := make([]int, length)
	var ll [4]float64

	for p := 0; p < length; p++ {
		ll[0], ll[1], ll[2], ll[3] = 0, 0, 0, 0
		informative := false
		for i := range c.Reads {
			r := &c.Reads[i]
			q := r.Qual[p]
			if q > MaxQual {
				// Corrupt quality: clamp and degrade rather than fail.
				q = MaxQual
				if confidence == Full {
					confidence = Degraded
				}
			}
			obs := baseIndex[r.Seq[p]]
			if obs < 0 {
				continue
			}
			informative = true
			e := errProb(q)
			agree := math.Log10(1 - e)
			disagree := math.Log10(e / 3)
			for b := 0; b < 4; b++ {
				if int8(b) == obs {
					ll[b] += agree
				} else {
					ll[b] += disagree
				}
			}
		}
		if !informative {
			seq[p] = 'N'
			qual[p] = 0
			for i := range c.Reads {
				if b := c.Reads[i].Seq[p]; b != 'N' && b != 'n' {
					discordant[p]++
				}
			}
			continue
		}
		winner := 0
		for b := 1; b < 4; b++ {
			if ll[b] > ll[winner] {
				winner = b
			}
		}
		seq[p] = indexBase[winner]

		// Recalibrated quality: Phred-scaled posterior error of the
		// winning base given all observations.
		total := logSumExp10(ll[:])
		perr := 1 - math.Pow(10, ll[winner]-total)
		q := maxQual
		if perr > 0 {
			if scaled := -10 * math.Log10(perr); scaled < float64(maxQual) {
				q = int(scaled)
			}
		}
		if q < 0 {
			q = 0
		}
		qual[p] = byte(q)

		for i := range c.Reads {
			if baseIndex[c.Reads[i].Seq[p]] != int8(winner) {
				discordant[p]++
			}
		}
	}

	return &ConsensusRead{
		Key:        c.Key,
		Mate:       c.Mate,
		Seq:        seq,
		Qual:       qual,
		Support:    len(c.Reads),
		Discordant: discordant,
		Confidence: confidence,
		Names:      c.Names(),
	}, nil
}
