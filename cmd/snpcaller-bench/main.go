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

/*
snpcaller-bench reproduces a single uniform-error-rate pileup column and
prints the SnpCaller p-values for it, for comparison against a reference
binomial tail computation.

Sample usage (remember: large n and small p when comparing to a binomial
survival function):

    snpcaller-bench 4 10000 0.0001
    prob from snpcaller(): (.. -2:0.264241 .. -1:0.0802922 ..) 0.018982

    python3 -c 'import scipy.stats as st; print([st.binom_test(x, 10000, 0.0001, alternative="greater") for x in [2, 3, 4]])'
*/
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/grailbio/bio/snpcaller"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s num_success num_trials succ_prob\n", os.Args[0])
}

func main() {
	if len(os.Args) != 4 {
		usage()
		os.Exit(1)
	}
	numSuccess, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad num_success %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	numTrials, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad num_trials %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	succProb, err := strconv.ParseFloat(os.Args[3], 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad succ_prob %q: %v\n", os.Args[3], err)
		os.Exit(1)
	}

	errProbs := make([]float64, numTrials)
	for i := range errProbs {
		errProbs[i] = succProb
	}
	// errProbs is already sorted ascending: every entry is succProb.

	counts := snpcaller.NonConsensusCounts{numSuccess, numSuccess - 1, numSuccess - 2}
	result, err := snpcaller.Call(errProbs, counts, 1, 1.0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snpcaller.Call failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("prob from snpcaller(): (.. -2:%g .. -1:%g ..) %g\n", result[2], result[1], result[0])
}
