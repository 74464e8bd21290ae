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

// Package snpcaller turns a pileup column's error-probability vector and
// non-consensus base counts into per-allele significance p-values, using
// poissbin as the underlying probability engine.
//
// The package performs no I/O and holds no state across calls: every
// function operates entirely on its arguments, so SNP-call for disjoint
// pileup columns may run concurrently without synchronization as long as
// each call supplies its own buffers.
package snpcaller

import (
	"math"

	"github.com/grailbio/bio/poissbin"
)

// NumNonConsBases is the number of non-consensus nucleotides tracked at a
// pileup column: one reference/consensus base leaves three others.
const NumNonConsBases = 3

// NoCall is the sentinel p-value meaning "not computed / not significant
// under the Bonferroni correction in effect". It mirrors DBL_MAX in the
// original source: any real p-value in [0,1] compares less than it.
const NoCall = math.MaxFloat64

// NonConsensusCounts holds the observed count of each non-consensus base at
// one pileup column, in the caller's allele-to-index convention.
type NonConsensusCounts [NumNonConsBases]int

// Result holds one p-value per non-consensus base, in the same order as
// the NonConsensusCounts passed to Call. Entries whose count was zero, or
// whose significance could not be established because the whole column was
// pruned, remain NoCall.
type Result [NumNonConsBases]float64

// Call computes, for a single pileup column, the probability of observing
// at least counts[i] non-consensus bases by chance alone, for each i with
// counts[i] > 0, under the null hypothesis that every non-consensus
// observation in errProbs is an independent sequencing/mapping error.
//
// errProbs must already be sorted ascending (sorting is the caller's
// responsibility -- see poissbin's package doc for why). bonfFactor and
// sigLevel set the Bonferroni-corrected pruning threshold applied to the
// single most-extreme count; see poissbin.Compute.
//
// The returned Result's entries are monotone non-increasing in counts: if
// counts[a] >= counts[b] then result[a] <= result[b], because both are tail
// sums over the very same probability vector.
func Call(errProbs []float64, counts NonConsensusCounts, bonfFactor int64, sigLevel float64) (Result, error) {
	result := Result{NoCall, NoCall, NoCall}

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount == 0 {
		return result, nil
	}

	pb, err := poissbin.Compute(errProbs, maxCount, bonfFactor, sigLevel)
	if err != nil {
		return result, err
	}

	if pb.Pvalue*float64(bonfFactor) >= sigLevel {
		// The most frequent non-consensus candidate is already
		// insignificant under Bonferroni; nothing else in this column can
		// be either, since every remaining count is <= maxCount and tail
		// probabilities only shrink as the threshold count rises.
		return result, nil
	}

	for i, c := range counts {
		if c == 0 {
			continue
		}
		result[i] = math.Exp(poissbin.TailSum(pb, c))
	}
	return result, nil
}
