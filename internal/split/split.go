// Package split partitions record indices into stratified train, validation
// and test sets.
package split

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// ErrDegenerateStratification is returned when the labels cannot be split
// while keeping every class on both sides.
var ErrDegenerateStratification = errors.New("degenerate stratification")

// Indices are disjoint record index sets that together cover every record.
// Each set is sorted ascending.
type Indices struct {
	Train      []int
	Validation []int
	Test       []int
}

// Ratios drive TwoStage.
type Ratios struct {
	// Holdout is the fraction of all records kept out of training.
	Holdout float64

	// Test is the fraction of the holdout used as the test set; the rest is
	// the validation set.
	Test float64
}

// DefaultRatios gives a 50% train set, then splits the other half 70/30 into
// validation and test.
func DefaultRatios() Ratios {
	return Ratios{Holdout: 0.5, Test: 0.3}
}

// TwoStage splits all records: first train versus holdout stratified on
// labels, then the holdout into validation and test stratified on the
// holdout's labels. Both stages use seed.
func TwoStage(labels []uint8, ratios Ratios, seed int64) (Indices, error) {
	all := make([]int, len(labels))
	for i := range all {
		all[i] = i
	}

	train, holdout, err := Stratified(all, labels, ratios.Holdout, seed)
	if err != nil {
		return Indices{}, errors.Wrap(err, "train/holdout split")
	}

	val, test, err := Stratified(holdout, labels, ratios.Test, seed)
	if err != nil {
		return Indices{}, errors.Wrap(err, "validation/test split")
	}

	return Indices{Train: train, Validation: val, Test: test}, nil
}

// Stratified splits the records listed in population into two sets, the
// second holding ceil(testSize·n) of them, with each class divided in
// proportion. labels is indexed by record index, not by position in
// population. The result is a function of (population, labels, testSize,
// seed) only.
func Stratified(population []int, labels []uint8, testSize float64, seed int64) (train, test []int, err error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, errors.Errorf("test size %v must be in (0, 1)", testSize)
	}

	n := len(population)
	nTest := int(math.Ceil(testSize * float64(n)))
	nTrain := n - nTest

	byClass := make(map[uint8][]int)
	for _, idx := range population {
		if idx < 0 || idx >= len(labels) {
			return nil, nil, errors.Errorf("record index %d out of range for %d labels", idx, len(labels))
		}

		byClass[labels[idx]] = append(byClass[labels[idx]], idx)
	}

	classes := make([]uint8, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	if len(classes) < 2 {
		return nil, nil, errors.Wrapf(ErrDegenerateStratification, "%d records, only %d class", n, len(classes))
	}

	counts := make([]int, len(classes))
	for i, c := range classes {
		counts[i] = len(byClass[c])
		if counts[i] < 2 {
			return nil, nil, errors.Wrapf(ErrDegenerateStratification, "class %d has %d member", c, counts[i])
		}
	}

	if nTrain < len(classes) || nTest < len(classes) {
		return nil, nil, errors.Wrapf(ErrDegenerateStratification, "partition sizes %d/%d smaller than %d classes", nTrain, nTest, len(classes))
	}

	alloc := approximateMode(counts, nTest)
	rng := rand.New(rand.NewSource(seed))

	for i, c := range classes {
		members := byClass[c]
		perm := rng.Perm(len(members))

		for k, p := range perm {
			if k < alloc[i] {
				test = append(test, members[p])
			} else {
				train = append(train, members[p])
			}
		}
	}

	sort.Ints(train)
	sort.Ints(test)

	return train, test, nil
}

// approximateMode distributes draws across classes in proportion to counts,
// rounding down and giving the leftovers to the classes with the largest
// remainders, lower class first on ties.
func approximateMode(counts []int, draws int) []int {
	total := 0
	for _, c := range counts {
		total += c
	}

	alloc := make([]int, len(counts))
	remainders := make([]float64, len(counts))
	assigned := 0

	for i, c := range counts {
		exact := float64(draws) * float64(c) / float64(total)
		alloc[i] = int(math.Floor(exact))
		remainders[i] = exact - float64(alloc[i])
		assigned += alloc[i]
	}

	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})

	for need := draws - assigned; need > 0; {
		progressed := false

		for _, i := range order {
			if need == 0 {
				break
			}

			if alloc[i] < counts[i] {
				alloc[i]++
				need--
				progressed = true
			}
		}

		if !progressed {
			break
		}
	}

	return alloc
}
