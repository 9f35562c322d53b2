package filter

import (
	"fmt"

	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// Sample is one median filter entry. Entries are ordered by Workload only;
// Observed rides along so the filtered workload keeps its paired reading.
type Sample struct {
	Workload fxp.UFXP20x12
	Observed uint32
}

// Median is a fixed-capacity sliding-window median over Samples. Buffers are
// allocated once by NewMedian; Insert never allocates.
type Median struct {
	window  []Sample
	scratch []Sample
	index   int
	count   int
	output  Sample
}

// MaxCapacity bounds every filter window. Buffers beyond it cannot be
// reserved.
const MaxCapacity = 64

// NewMedian allocates a median filter holding up to capacity samples.
func NewMedian(capacity int) (*Median, error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, fmt.Errorf("median filter: %w", err)
	}

	return &Median{
		window:  make([]Sample, capacity),
		scratch: make([]Sample, capacity),
	}, nil
}

// Insert adds s to the window, evicting the oldest sample once full, and
// recomputes the output.
func (m *Median) Insert(s Sample) {
	m.window[m.index] = s
	m.index = (m.index + 1) % len(m.window)
	if m.count < len(m.window) {
		m.count++
	}
	if m.count > len(m.window) {
		panic(fmt.Sprintf("median filter fill count %d exceeds capacity %d", m.count, len(m.window)))
	}

	live := m.scratch[:m.count]
	copy(live, m.window[:m.count])
	insertionSort(live)

	mid := m.count / 2
	if m.count%2 == 1 {
		m.output = live[mid]
		return
	}
	lo, hi := live[mid-1], live[mid]
	m.output = Sample{
		Workload: fxp.UFXP20x12(fxp.DivRoundHalfUp64(uint64(lo.Workload)+uint64(hi.Workload), 2)),
		Observed: uint32(fxp.DivRoundHalfUp64(uint64(lo.Observed)+uint64(hi.Observed), 2)),
	}
}

// Output returns the current median pair, or the zero Sample when empty.
func (m *Median) Output() Sample {
	return m.output
}

// Count returns the number of samples currently held.
func (m *Median) Count() int {
	return m.count
}

// Capacity returns the window size.
func (m *Median) Capacity() int {
	return len(m.window)
}

// Reset empties the window without releasing its buffers.
func (m *Median) Reset() {
	m.index = 0
	m.count = 0
	m.output = Sample{}
}

func insertionSort(s []Sample) {
	for i := 1; i < len(s); i++ {
		cur := s[i]
		j := i - 1
		for ; j >= 0 && s[j].Workload > cur.Workload; j-- {
			s[j+1] = s[j]
		}
		s[j+1] = cur
	}
}

func checkCapacity(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("capacity %d: %w", capacity, util.ErrInvalidArgument)
	}
	if capacity > MaxCapacity {
		return fmt.Errorf("capacity %d above %d: %w", capacity, MaxCapacity, util.ErrAllocationFailure)
	}
	return nil
}
