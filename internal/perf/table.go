package perf

import (
	"errors"
	"fmt"

	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// MaxRails is the number of voltage rails a VF point can describe.
const MaxRails = 4

// VFPoint is one discrete operating point of the clock domain. FreqKHz is
// in the domain's internal units; VoltageMV holds the voltage each rail needs
// to run at that frequency.
type VFPoint struct {
	FreqKHz   uint32
	VoltageMV [MaxRails]uint32
}

// PstateBounds is the clock range of one performance state, internal units.
type PstateBounds struct {
	MinKHz uint32
	MaxKHz uint32
}

// VFTable is the performance table lookup surface the policies consume.
type VFTable interface {
	Domain() ClockDomain
	NumPstates() uint32
	TopPstate() uint32
	PstateClockBounds(pstate uint32) (minKHz, maxKHz uint32, err error)
	VFIndexRange(pstate uint32) (first, last uint32, err error)
	VFIndexForFreq(pstate, freqKHz uint32) (uint32, error)
	VFPointAt(index uint32) (VFPoint, error)
	PstateForFreq(freqKHz uint32) (uint32, error)
	PstateCeilingForFreq(freqKHz uint32) uint32
	ClockBounds() (minKHz, maxKHz uint32)
	VoltageAt(rail int, freqKHz uint32) (uint32, error)
}

// Table is an immutable in-memory VFTable.
type Table struct {
	domain  ClockDomain
	pstates []PstateBounds
	points  []VFPoint
}

var _ VFTable = &Table{}

// NewTable validates and copies the pstate bounds (lowest first) and the
// VF points (ascending frequency).
func NewTable(domain ClockDomain, pstates []PstateBounds, points []VFPoint) (*Table, error) {
	var errs []error
	if len(pstates) == 0 {
		errs = append(errs, errors.New("no pstates"))
	}
	if len(points) == 0 {
		errs = append(errs, errors.New("no VF points"))
	}
	for i, p := range pstates {
		if p.MinKHz > p.MaxKHz {
			errs = append(errs, fmt.Errorf("pstate %d: min %d above max %d", i, p.MinKHz, p.MaxKHz))
		}
		if i > 0 && p.MaxKHz < pstates[i-1].MaxKHz {
			errs = append(errs, fmt.Errorf("pstate %d: max %d below lower pstate max %d", i, p.MaxKHz, pstates[i-1].MaxKHz))
		}
	}
	for i := 1; i < len(points); i++ {
		if points[i].FreqKHz <= points[i-1].FreqKHz {
			errs = append(errs, fmt.Errorf("VF point %d: frequency %d not ascending", i, points[i].FreqKHz))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", util.ErrInvalidArgument, errors.Join(errs...))
	}

	t := &Table{
		domain:  domain,
		pstates: append([]PstateBounds(nil), pstates...),
		points:  append([]VFPoint(nil), points...),
	}
	if _, _, err := t.VFIndexRange(t.TopPstate()); err != nil {
		return nil, fmt.Errorf("top pstate has no VF points: %w", util.ErrInvalidArgument)
	}

	return t, nil
}

func (t *Table) Domain() ClockDomain { return t.domain }

func (t *Table) NumPstates() uint32 { return uint32(len(t.pstates)) }

func (t *Table) TopPstate() uint32 { return uint32(len(t.pstates) - 1) }

// NumVFPoints returns the number of VF points.
func (t *Table) NumVFPoints() uint32 { return uint32(len(t.points)) }

func (t *Table) PstateClockBounds(pstate uint32) (uint32, uint32, error) {
	if pstate >= uint32(len(t.pstates)) {
		return 0, 0, fmt.Errorf("pstate %d: %w", pstate, util.ErrInvalidState)
	}
	p := t.pstates[pstate]
	return p.MinKHz, p.MaxKHz, nil
}

// VFIndexRange returns the first and last VF indices within the pstate's
// clock range.
func (t *Table) VFIndexRange(pstate uint32) (uint32, uint32, error) {
	minKHz, maxKHz, err := t.PstateClockBounds(pstate)
	if err != nil {
		return 0, 0, err
	}

	first, last := -1, -1
	for i, p := range t.points {
		if p.FreqKHz < minKHz {
			continue
		}
		if p.FreqKHz > maxKHz {
			break
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return 0, 0, fmt.Errorf("pstate %d has no VF points: %w", pstate, util.ErrInvalidState)
	}

	return uint32(first), uint32(last), nil
}

// VFIndexForFreq returns the highest VF index of the pstate whose frequency
// does not exceed freqKHz, clamped to the pstate's first index.
func (t *Table) VFIndexForFreq(pstate, freqKHz uint32) (uint32, error) {
	first, last, err := t.VFIndexRange(pstate)
	if err != nil {
		return 0, err
	}

	idx := first
	for i := first; i <= last; i++ {
		if t.points[i].FreqKHz > freqKHz {
			break
		}
		idx = i
	}

	return idx, nil
}

func (t *Table) VFPointAt(index uint32) (VFPoint, error) {
	if index >= uint32(len(t.points)) {
		return VFPoint{}, fmt.Errorf("VF index %d: %w", index, util.ErrInvalidState)
	}
	return t.points[index], nil
}

// PstateForFreq returns the highest pstate whose range contains freqKHz.
// Frequencies above the top pstate map to the top pstate; frequencies in a
// gap or below every range map to the lowest pstate able to reach them.
func (t *Table) PstateForFreq(freqKHz uint32) (uint32, error) {
	for i := len(t.pstates) - 1; i >= 0; i-- {
		if t.pstates[i].MinKHz <= freqKHz && freqKHz <= t.pstates[i].MaxKHz {
			return uint32(i), nil
		}
	}
	for i, p := range t.pstates {
		if p.MaxKHz >= freqKHz {
			return uint32(i), nil
		}
	}

	return t.TopPstate(), nil
}

// PstateCeilingForFreq returns the highest pstate whose minimum clock is at
// or below freqKHz, or pstate 0 when freqKHz is below every minimum. A clock
// ceiling of freqKHz cannot be honoured by any higher pstate.
func (t *Table) PstateCeilingForFreq(freqKHz uint32) uint32 {
	for i := len(t.pstates) - 1; i > 0; i-- {
		if t.pstates[i].MinKHz <= freqKHz {
			return uint32(i)
		}
	}
	return 0
}

// ClockBounds returns the lowest pstate minimum and the top pstate maximum.
func (t *Table) ClockBounds() (uint32, uint32) {
	minKHz := t.pstates[0].MinKHz
	for _, p := range t.pstates[1:] {
		minKHz = min(minKHz, p.MinKHz)
	}
	return minKHz, t.pstates[len(t.pstates)-1].MaxKHz
}

// VoltageAt returns the voltage the rail needs to run at freqKHz: that of
// the lowest VF point at or above it.
func (t *Table) VoltageAt(rail int, freqKHz uint32) (uint32, error) {
	if rail < 0 || rail >= MaxRails {
		return 0, fmt.Errorf("rail %d: %w", rail, util.ErrInvalidArgument)
	}
	for _, p := range t.points {
		if p.FreqKHz >= freqKHz {
			return p.VoltageMV[rail], nil
		}
	}

	return 0, fmt.Errorf("frequency %d above last VF point: %w", freqKHz, util.ErrInvalidState)
}
