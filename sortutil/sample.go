// Copyright (C) 2024 dflow authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package sortutil

import (
	"math"
	"math/rand"
	"sort"

	"golang.org/x/exp/constraints"
)

// SampleSize returns the number of items a worker should sample uniformly
// from totalItems items, with approximation error epsilon (spec §4.11:
// "ceil(log(total_items)/epsilon^2)"). A smaller epsilon produces a larger,
// more representative sample at the cost of more rank-0 sorting work.
func SampleSize(totalItems int64, epsilon float64) int {
	if totalItems < 2 {
		return 0
	}
	n := math.Ceil(math.Log(float64(totalItems)) / (epsilon * epsilon))
	if n < 1 {
		n = 1
	}
	return int(n)
}

// SampleUniform draws sampleSize items uniformly without replacement from
// items, tagging each with its original index as the rank tiebreaker used
// later by Tree.Classify. It leaves items untouched (copies before
// shuffling) so a caller can keep using items for its own local sort.
func SampleUniform[T constraints.Ordered](items []T, sampleSize int, rng *rand.Rand) []Splitter[T] {
	if sampleSize >= len(items) {
		sampleSize = len(items)
	}
	idx := rng.Perm(len(items))[:sampleSize]
	out := make([]Splitter[T], sampleSize)
	for i, j := range idx {
		out[i] = Splitter[T]{Value: items[j], Rank: int64(j)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// PickSplitters selects numBuckets-1 splitters at equal quantiles from the
// combined, already-sorted sample (spec §4.11: rank 0 "sorts samples, picks
// W-1 splitters at equal quantiles, broadcasts via a stream"). sample must
// be sorted ascending by (Value, Rank), e.g. the concatenation of every
// worker's SampleUniform output re-sorted by the caller.
func PickSplitters[T constraints.Ordered](sample []Splitter[T], numBuckets int) []Splitter[T] {
	if numBuckets < 1 {
		return nil
	}
	numSplitters := numBuckets - 1
	if numSplitters <= 0 || len(sample) == 0 {
		return nil
	}
	out := make([]Splitter[T], numSplitters)
	for i := 0; i < numSplitters; i++ {
		q := (i + 1) * len(sample) / numBuckets
		if q >= len(sample) {
			q = len(sample) - 1
		}
		out[i] = sample[q]
	}
	return out
}
