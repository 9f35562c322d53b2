package filter

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// MovingAverage is a fixed-capacity running mean. Values are accumulated in
// an int64, so T must fit in 63 bits.
type MovingAverage[T constraints.Integer] struct {
	window []T
	index  int
	count  int
	sum    int64
}

// NewMovingAverage allocates a moving average over the last capacity samples.
func NewMovingAverage[T constraints.Integer](capacity int) (*MovingAverage[T], error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, fmt.Errorf("moving average: %w", err)
	}

	return &MovingAverage[T]{window: make([]T, capacity)}, nil
}

// Insert adds v, evicting the oldest sample once the window is full.
func (a *MovingAverage[T]) Insert(v T) {
	if a.count == len(a.window) {
		a.sum -= int64(a.window[a.index])
	} else {
		a.count++
	}
	if a.count > len(a.window) {
		panic(fmt.Sprintf("moving average fill count %d exceeds capacity %d", a.count, len(a.window)))
	}
	a.window[a.index] = v
	a.sum += int64(v)
	a.index = (a.index + 1) % len(a.window)
}

// Query returns the rounded mean of all filled entries, or zero when empty.
func (a *MovingAverage[T]) Query() T {
	if a.count == 0 {
		return 0
	}
	return T(roundedMean(a.sum, int64(a.count)))
}

// QueryWith returns the mean the window would report after Insert(v),
// leaving the window unchanged.
func (a *MovingAverage[T]) QueryWith(v T) T {
	sum, count := a.sum+int64(v), a.count+1
	if a.count == len(a.window) {
		sum -= int64(a.window[a.index])
		count--
	}
	return T(roundedMean(sum, int64(count)))
}

// Sum returns the sum of all filled entries.
func (a *MovingAverage[T]) Sum() int64 {
	return a.sum
}

// Count returns the number of samples currently held.
func (a *MovingAverage[T]) Count() int {
	return a.count
}

// Reset empties the window without releasing its buffer.
func (a *MovingAverage[T]) Reset() {
	a.index = 0
	a.count = 0
	a.sum = 0
}

// roundedMean divides rounding half up (toward +inf on ties) for either sign.
func roundedMean(sum, n int64) int64 {
	num := 2*sum + n
	den := 2 * n
	q := num / den
	if num%den != 0 && num < 0 {
		q--
	}
	return q
}
