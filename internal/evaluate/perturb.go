package evaluate

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/violation"
)

// -------------------------------------------------------------------------
// Clock Desynchronization
// -------------------------------------------------------------------------

// ErrInvalidPerturbation indicates a negative bound or round count.
var ErrInvalidPerturbation = errors.New("perturbation bound and rounds must be >= 0")

// Perturbation models residual clock desynchronization between routers.
// Every round draws one offset per router from a normal distribution with
// standard deviation Bound/2, clipped to [-Bound, Bound], and shifts that
// router's transition interval by it.
//
// Offsets depend only on (Seed, round, router), so the same configuration
// reproduces the same perturbed schedules regardless of evaluation order.
type Perturbation struct {
	Bound  time.Duration
	Rounds int
	Seed   uint64
}

// Enabled reports whether any perturbed round is run.
func (p Perturbation) Enabled() bool {
	return p.Bound > 0 && p.Rounds > 0
}

// Validate rejects negative settings.
func (p Perturbation) Validate() error {
	if p.Bound < 0 || p.Rounds < 0 {
		return ErrInvalidPerturbation
	}
	return nil
}

// Offset returns the clock offset of router in round.
func (p Perturbation) Offset(router string, round int) time.Duration {
	h := fnv.New64a()
	_, _ = h.Write([]byte(router))
	n := distuv.Normal{
		Mu:    0,
		Sigma: float64(p.Bound) / 2,
		Src:   rand.NewPCG(p.Seed^uint64(round), h.Sum64()), //nolint:gosec // Round is non-negative.
	}
	d := time.Duration(n.Rand())
	return max(-p.Bound, min(p.Bound, d))
}

// Shift returns a copy of sched with every interval moved by its router's
// offset in round.
func (p Perturbation) Shift(sched fib.Schedule, round int) fib.Schedule {
	out := make(fib.Schedule, len(sched))
	for r, iv := range sched {
		d := p.Offset(r, round)
		iv.Earliest += d
		iv.Latest += d
		out[r] = iv
	}
	return out
}

// Robustness recomputes the violation interval of q under every perturbed
// round and counts the rounds whose interval still contains truth.
func (p Perturbation) Robustness(q violation.Query, sched fib.Schedule, end time.Duration,
	params violation.Params, truth violation.Interval,
) (int, error) {
	covered := 0
	for round := range p.Rounds {
		iv, err := violation.Compute(q, p.Shift(sched, round), end, params)
		if err != nil {
			return 0, err
		}
		if iv.Contains(truth) {
			covered++
		}
	}
	return covered, nil
}
