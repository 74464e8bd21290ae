// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package poissbin computes, for N independent Bernoulli trials with
// distinct per-trial success probabilities, the probability of observing at
// least K successes -- the Poisson-binomial tail. The forward recurrence is
// carried out entirely in log space and is pruned the moment a
// Bonferroni-corrected significance threshold can no longer be met, so the
// worst-case O(N*K) cost becomes effectively O(N*k*) for the k* that
// snpcaller and sourcequal actually need.
//
// There is intentionally no "naive", unpruned variant exposed: the original
// implementation this package is modeled on ships one but disables it at
// call time (it aborts immediately), and the pruned recurrence is exact
// whenever K==N anyway, so there is no case where callers need the
// unpruned path.
package poissbin

import (
	"fmt"
	"math"

	"github.com/grailbio/bio/logmath"
)

// epsMach is the smallest increment used to keep log(0) and log1p(-1) from
// ever being evaluated. The recurrence substitutes it for any trial
// probability closer to 0 or 1 than this, which bounds the relative error
// introduced and keeps LOGZERO from propagating through the whole vector.
const epsMach = 2.220446049250313e-16

// Result is the outcome of a Compute call: the log-space probability
// vector, the probability of at least K successes, and whether the
// recurrence was pruned before reaching its natural termination at n==N.
//
// Vec has length K+1. Vec[k] holds log P(exactly k successes) while n < K
// trials have been folded in, and from the point n==K onward index K
// instead holds log P(at least K successes in the first n trials) -- the
// recurrence collapses the tail into that one cell rather than tracking
// the full distribution past K.
type Result struct {
	Vec    []float64
	Pvalue float64
	// Pruned is true when Compute returned before folding in all N trials
	// because the running tail probability at index K had already reached
	// sigLevel/bonfFactor (pvalue*bonfFactor >= sigLevel). A pruned Result's Pvalue is only known to be
	// "at or above" the threshold that triggered the exit -- it is not
	// the exact probability of >=K successes in all N trials.
	Pruned bool
}

// Compute runs the pruned Poisson-binomial forward recurrence over sorted
// errProbs (ascending order improves both numerical stability and how
// early pruning can kick in; see package doc). k is the target success
// count. bonfFactor and sigLevel define the Bonferroni-corrected
// significance threshold (sigLevel/bonfFactor) used to prune: the instant
// the running P(>=k) * bonfFactor meets or exceeds sigLevel, no caller that
// applies that correction can possibly find the result significant, so
// Compute returns immediately.
//
// Compute never reads errProbs[n] for n >= len(errProbs); k must not exceed
// len(errProbs).
func Compute(errProbs []float64, k int, bonfFactor int64, sigLevel float64) (*Result, error) {
	n := len(errProbs)
	if k < 0 {
		return nil, fmt.Errorf("poissbin: k=%d must be non-negative", k)
	}
	if k > n {
		return nil, fmt.Errorf("poissbin: k=%d exceeds number of trials %d", k, n)
	}
	for i, p := range errProbs {
		if p < -epsMach || p > 1+epsMach {
			return nil, fmt.Errorf("poissbin: errProbs[%d]=%v out of [0,1]", i, p)
		}
	}

	// Edge case: N==0 or K==0 means P(>=0 successes) == 1 regardless of
	// the trials, trivially.
	if n == 0 || k == 0 {
		return &Result{Vec: []float64{0.0}, Pvalue: 1.0}, nil
	}

	cur := make([]float64, k+1)
	prev := make([]float64, k+1)
	prev[0] = 0.0 // log(1.0): zero trials folded in, P(exactly 0)=1

	for t := 1; t <= n; t++ {
		pn := errProbs[t-1]
		logPn, log1mPn := logTrialProbs(pn)

		if t < k {
			prev[t] = logmath.LogZero
		}

		upper := t
		if upper > k-1 {
			upper = k - 1
		}
		for kk := upper; kk >= 1; kk-- {
			cur[kk] = logmath.Sum(prev[kk]+log1mPn, prev[kk-1]+logPn)
		}
		cur[0] = prev[0] + log1mPn

		if t == k {
			cur[k] = prev[k-1] + logPn
		} else if t > k {
			cur[k] = logmath.Sum(prev[k], prev[k-1]+logPn)
			pvalue := math.Exp(cur[k])
			if pvalue*float64(bonfFactor) >= sigLevel {
				return &Result{Vec: append([]float64(nil), cur...), Pvalue: pvalue, Pruned: true}, nil
			}
		}

		cur, prev = prev, cur
	}

	// The last swap leaves the final iteration's output in prev.
	result := prev
	pvalue := math.Exp(result[k])
	return &Result{Vec: result, Pvalue: pvalue}, nil
}

// logTrialProbs converts a single trial's success probability to its log
// and log-complement, substituting epsMach whenever pn is close enough to 0
// or 1 that log(pn) or log1p(-pn) would otherwise be -Inf. The substitution
// keeps every cell finite (within ~1e-14 of the true value) instead of
// letting a single deterministic trial collapse the whole vector to
// LogZero.
func logTrialProbs(pn float64) (logPn, log1mPn float64) {
	if math.Abs(pn) < epsMach {
		logPn = math.Log(epsMach)
	} else {
		logPn = math.Log(pn)
	}
	if math.Abs(pn-1.0) < epsMach {
		log1mPn = math.Log1p(-pn + epsMach)
	} else {
		log1mPn = math.Log1p(-pn)
	}
	return
}

// TailSum returns log(P(>= start successes)) given a Result's Vec, where
// start is in [0, k]. Because Vec[k] already stores P(>=k), TailSum over
// [start, k] is exact, not an approximation, for any start <= k.
func TailSum(r *Result, start int) float64 {
	return logmath.TailSum(r.Vec, start, len(r.Vec))
}
