package tuning

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var (
	ErrTooFewSequences = errors.New("fewer sequences than folds")
	ErrInvalidFolds    = errors.New("fold count must be >= 2")
)

// Fold holds the train and held-out indices of one split. Both are sorted
// when shuffle is off; Test follows the permutation order when it is on.
type Fold struct {
	Train []int
	Test  []int
}

// KFold splits 0..n-1 into k disjoint held-out sets. The first n%k folds hold
// one extra index. With shuffle the indices are permuted by rng first.
func KFold(n, k int, shuffle bool, rng *rand.Rand) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFolds, k)
	}
	if n < k {
		return nil, fmt.Errorf("%w: %d sequences for %d folds", ErrTooFewSequences, n, k)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if shuffle {
		if rng == nil {
			return nil, errors.New("shuffled folds require a random source")
		}
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	folds := make([]Fold, 0, k)
	start := 0
	for f := 0; f < k; f++ {
		size := n / k
		if f < n%k {
			size++
		}
		test := append([]int(nil), order[start:start+size]...)
		held := make([]bool, n)
		for _, idx := range test {
			held[idx] = true
		}
		train := make([]int, 0, n-size)
		for idx := 0; idx < n; idx++ {
			if !held[idx] {
				train = append(train, idx)
			}
		}
		folds = append(folds, Fold{Train: train, Test: test})
		start += size
	}
	return folds, nil
}
