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
package snpcaller

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func uniformProbs(n int, p float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = p
	}
	return v
}

// TestSeedScenario1 reproduces spec.md §8 seed scenario 1.
func TestSeedScenario1(t *testing.T) {
	probs := uniformProbs(10000, 0.0001)
	result, err := Call(probs, NonConsensusCounts{4, 3, 2}, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	want := [3]float64{0.01898, 0.08029, 0.26424}
	for i, w := range want {
		if math.Abs(result[i]-w) > 1e-4 {
			t.Fatalf("result[%d]=%v, want ~%v", i, result[i], w)
		}
	}
}

// TestSeedScenario2 reproduces spec.md §8 seed scenario 2: all three
// p-values tiny and strictly decreasing.
func TestSeedScenario2(t *testing.T) {
	probs := uniformProbs(10000, 0.0001)
	result, err := Call(probs, NonConsensusCounts{10, 9, 8}, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	for i, p := range result {
		if p > 1e-9 {
			t.Fatalf("result[%d]=%v, want <= 1e-9", i, p)
		}
	}
	if !(result[0] < result[1] && result[1] < result[2]) {
		t.Fatalf("expected strictly increasing p-values for decreasing counts, got %+v", result)
	}
}

// TestSeedScenario3 reproduces spec.md §8 seed scenario 3: all-zero counts
// never invoke poissbin and leave every slot at the sentinel.
func TestSeedScenario3(t *testing.T) {
	probs := uniformProbs(100, 0.01)
	result, err := Call(probs, NonConsensusCounts{0, 0, 0}, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	for i, p := range result {
		if p != NoCall {
			t.Fatalf("result[%d]=%v, want NoCall sentinel", i, p)
		}
	}
}

// TestSeedScenario4 reproduces spec.md §8 seed scenario 4: err_probs all
// 1.0 means any non-zero count is certain.
func TestSeedScenario4(t *testing.T) {
	probs := uniformProbs(50, 1.0)
	result, err := Call(probs, NonConsensusCounts{1, 0, 0}, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if math.Abs(result[0]-1.0) > 1e-9 {
		t.Fatalf("result[0]=%v, want ~1.0", result[0])
	}
	if result[1] != NoCall || result[2] != NoCall {
		t.Fatalf("result[1], result[2] = %v, %v, want NoCall", result[1], result[2])
	}
}

func TestMonotonicityInCounts(t *testing.T) {
	probs := uniformProbs(5000, 0.0005)
	result, err := Call(probs, NonConsensusCounts{6, 4, 2}, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if !(result[0] <= result[1] && result[1] <= result[2]) {
		t.Fatalf("expected non-decreasing p-values for non-increasing counts, got %+v", result)
	}
}

func TestInvariantUnderSorting(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	probs := make([]float64, 2000)
	for i := range probs {
		probs[i] = rng.Float64() * 0.01
	}
	counts := NonConsensusCounts{5, 3, 1}
	sortedProbs := append([]float64(nil), probs...)
	sort.Float64s(sortedProbs)

	r1, err := Call(sortedProbs, counts, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}

	rng.Shuffle(len(probs), func(i, j int) { probs[i], probs[j] = probs[j], probs[i] })
	sort.Float64s(probs)
	r2, err := Call(probs, counts, 1, 1.0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}

	for i := range r1 {
		if math.Abs(r1[i]-r2[i]) > 1e-9 {
			t.Fatalf("result differs under permutation at %d: %v vs %v", i, r1[i], r2[i])
		}
	}
}

func TestBonferroniPruningYieldsSentinels(t *testing.T) {
	probs := uniformProbs(200000, 0.5)
	result, err := Call(probs, NonConsensusCounts{3, 2, 1}, 1000, 1e-300)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	for i, p := range result {
		if p != NoCall {
			t.Fatalf("result[%d]=%v, want NoCall under strict pruning", i, p)
		}
	}
}
