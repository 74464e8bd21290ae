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
package sourcequal

import (
	"bytes"
	"testing"

	"github.com/grailbio/bio/logmath"
	"github.com/grailbio/hts/sam"
)

func repeatByte(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// TestAllMatchesYieldsMaxQuality reproduces spec.md §8 seed scenario 6: a
// read with 30 matching bases at Q30 and zero mismatches gets the maximum
// representable source quality.
func TestAllMatchesYieldsMaxQuality(t *testing.T) {
	n := 30
	cigar := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)}
	seq := repeatByte('A', n)
	qual := repeatByte(30, n)
	ref := repeatByte('A', n)

	got, err := Score(cigar, 0, seq, qual, ref, DefaultOptions)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if got != logmath.MaxPhred {
		t.Fatalf("Score = %v, want MaxPhred (%v)", got, logmath.MaxPhred)
	}
}

func TestSingleMismatchDiscountedToZero(t *testing.T) {
	// A single mismatch: the discount (default 1) brings the non-match
	// count to 0, matching the original implementation's early return for
	// this exact case.
	n := 10
	cigar := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)}
	seq := repeatByte('A', n)
	seq[3] = 'C'
	qual := repeatByte(30, n)
	ref := repeatByte('A', n)

	got, err := Score(cigar, 0, seq, qual, ref, DefaultOptions)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if got != logmath.MaxPhred {
		t.Fatalf("Score = %v, want MaxPhred (%v) for a single discounted mismatch", got, logmath.MaxPhred)
	}
}

func TestManyMismatchesLowerScore(t *testing.T) {
	n := 40
	cigar := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)}
	seq := repeatByte('A', n)
	for i := 0; i < 10; i++ {
		seq[i] = 'C'
	}
	qual := repeatByte(35, n)
	ref := repeatByte('A', n)

	got, err := Score(cigar, 0, seq, qual, ref, DefaultOptions)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if got >= logmath.MaxPhred {
		t.Fatalf("Score = %v, want a reduced (non-maximal) source quality for 10 mismatches at Q35", got)
	}
	if got < 0 {
		t.Fatalf("Score = %v, want a valid Phred value", got)
	}
}

func TestZeroMismatchDiscount(t *testing.T) {
	// With no discount applied, a single mismatch is enough to invoke
	// PoissBin instead of short-circuiting to MaxPhred.
	n := 20
	cigar := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)}
	seq := repeatByte('A', n)
	seq[5] = 'C'
	qual := repeatByte(30, n)
	ref := repeatByte('A', n)

	got, err := Score(cigar, 0, seq, qual, ref, Options{MismatchDiscount: 0})
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if got == logmath.MaxPhred {
		t.Fatalf("Score = MaxPhred with MismatchDiscount=0 and one real mismatch, want a real computed value")
	}
}

func TestInsertionCountsAsNonMatch(t *testing.T) {
	n := 20
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarInsertion, 4),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}
	seq := repeatByte('A', n+4)
	qual := repeatByte(30, n+4)
	ref := repeatByte('A', n)

	counts, quals, numErrProbs, err := CountCigarOps(cigar, 0, seq, qual, ref)
	if err != nil {
		t.Fatalf("CountCigarOps error: %v", err)
	}
	if counts[OpInsertion] != 4 {
		t.Fatalf("counts[OpInsertion] = %d, want 4", counts[OpInsertion])
	}
	if counts[OpMatch] != 20 {
		t.Fatalf("counts[OpMatch] = %d, want 20", counts[OpMatch])
	}
	if numErrProbs != 24 {
		t.Fatalf("numErrProbs = %d, want 24 (matches included)", numErrProbs)
	}
	if len(quals[OpInsertion]) != 4 {
		t.Fatalf("len(quals[OpInsertion]) = %d, want 4", len(quals[OpInsertion]))
	}
}

func TestSoftClipIsIgnored(t *testing.T) {
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarSoftClipped, 5),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}
	seq := repeatByte('A', 15)
	qual := repeatByte(30, 15)
	ref := repeatByte('A', 10)

	counts, _, numErrProbs, err := CountCigarOps(cigar, 0, seq, qual, ref)
	if err != nil {
		t.Fatalf("CountCigarOps error: %v", err)
	}
	if counts[OpMatch] != 10 {
		t.Fatalf("counts[OpMatch] = %d, want 10 (soft clip excluded)", counts[OpMatch])
	}
	if numErrProbs != 10 {
		t.Fatalf("numErrProbs = %d, want 10 (soft clip excluded)", numErrProbs)
	}
}

func TestDeletionConsumesNoReadBase(t *testing.T) {
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 5),
		sam.NewCigarOp(sam.CigarDeletion, 3),
		sam.NewCigarOp(sam.CigarMatch, 5),
	}
	seq := repeatByte('A', 10)
	qual := repeatByte(30, 10)
	ref := repeatByte('A', 13)

	counts, quals, _, err := CountCigarOps(cigar, 0, seq, qual, ref)
	if err != nil {
		t.Fatalf("CountCigarOps error: %v", err)
	}
	if counts[OpDeletion] != 3 {
		t.Fatalf("counts[OpDeletion] = %d, want 3", counts[OpDeletion])
	}
	if counts[OpMatch] != 10 {
		t.Fatalf("counts[OpMatch] = %d, want 10", counts[OpMatch])
	}
	for _, q := range quals[OpDeletion] {
		if q != 30 {
			t.Fatalf("deletion quality = %d, want the flanking base's quality (30)", q)
		}
	}
}

func TestMalformedCigarReturnsFail(t *testing.T) {
	// Match segment longer than the supplied buffers.
	cigar := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 100)}
	seq := repeatByte('A', 5)
	qual := repeatByte(30, 5)
	ref := repeatByte('A', 5)

	got, err := Score(cigar, 0, seq, qual, ref, DefaultOptions)
	if err == nil {
		t.Fatalf("expected error for malformed CIGAR")
	}
	if got != Fail {
		t.Fatalf("Score = %v, want Fail (%v)", got, Fail)
	}
}

func TestHardClipConsumesNothing(t *testing.T) {
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarHardClipped, 20),
		sam.NewCigarOp(sam.CigarMatch, 5),
	}
	seq := repeatByte('A', 5)
	qual := repeatByte(30, 5)
	ref := repeatByte('A', 5)

	counts, _, _, err := CountCigarOps(cigar, 0, seq, qual, ref)
	if err != nil {
		t.Fatalf("CountCigarOps error: %v", err)
	}
	if counts[OpMatch] != 5 {
		t.Fatalf("counts[OpMatch] = %d, want 5", counts[OpMatch])
	}
}
