// Package bamprovider provider utilities for scanning a BAM/PAM file in
// parallel.
//
// The Provider is an interface for reading BAM or PAM file in parallel.
//
// PairIterator is implemented on top of Provider to combine read pairs (R1+R2).
package bamprovider
