// Package batch groups variable-length sequences into length-homogeneous
// buckets and encodes each bucket into fixed-shape input/target tensors.
package batch

import "sort"

// ByLength partitions sequence indices into buckets of identical length.
// Buckets are ordered by ascending length; indices inside a bucket keep their
// original relative order.
func ByLength(seqs []string) [][]int {
	if len(seqs) == 0 {
		return nil
	}
	byLen := make(map[int][]int)
	for i, seq := range seqs {
		byLen[len(seq)] = append(byLen[len(seq)], i)
	}
	lengths := make([]int, 0, len(byLen))
	for l := range byLen {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)

	buckets := make([][]int, 0, len(lengths))
	for _, l := range lengths {
		buckets = append(buckets, byLen[l])
	}
	return buckets
}

// Select returns seqs[idx] for every idx.
func Select(seqs []string, idxs []int) []string {
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = seqs[idx]
	}
	return out
}
