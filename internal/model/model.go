// Package model holds the leakage and dynamic power model used to turn
// observed power into a workload term and back into predicted power.
//
// The workload term w is the switched capacitance in nF (20.12 fixed point):
//
//	P_dyn[mW] = w[nF] * V[mV]^2 * f[kHz] / 10^9
package model

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

const dynamicScale uint64 = 1_000_000_000

// PowerModel is the leakage/power model collaborator.
type PowerModel interface {
	// Leakage returns the rail's leakage power at voltageMV.
	Leakage(rail int, voltageMV uint32) (uint32, error)
	// Workload inverts the dynamic power equation.
	Workload(rail int, dynamicMW, freqKHz, voltageMV uint32) (fxp.UFXP20x12, error)
	// DynamicPower evaluates the dynamic power equation.
	DynamicPower(rail int, w fxp.UFXP20x12, freqKHz, voltageMV uint32) (uint32, error)
}

// RailLeakage is a linear leakage fit: OffsetMW + MWPerMV * V.
type RailLeakage struct {
	OffsetMW uint32
	MWPerMV  fxp.UFXP20x12
}

// CMOS is the default PowerModel: linear leakage per rail plus C*V^2*f.
type CMOS struct {
	rails []RailLeakage
}

var _ PowerModel = &CMOS{}

// NewCMOS builds the model for len(rails) rails.
func NewCMOS(rails []RailLeakage) (*CMOS, error) {
	if len(rails) == 0 || len(rails) > perf.MaxRails {
		return nil, fmt.Errorf("%d rails: %w", len(rails), util.ErrInvalidArgument)
	}
	return &CMOS{rails: append([]RailLeakage(nil), rails...)}, nil
}

func (m *CMOS) rail(rail int) (RailLeakage, error) {
	if rail < 0 || rail >= len(m.rails) {
		return RailLeakage{}, fmt.Errorf("rail %d: %w", rail, util.ErrInvalidState)
	}
	return m.rails[rail], nil
}

func (m *CMOS) Leakage(rail int, voltageMV uint32) (uint32, error) {
	r, err := m.rail(rail)
	if err != nil {
		return 0, err
	}
	leak := uint64(r.OffsetMW) + uint64(r.MWPerMV.Mul(voltageMV))
	if leak > math.MaxUint32 {
		return math.MaxUint32, nil
	}
	return uint32(leak), nil
}

func (m *CMOS) Workload(rail int, dynamicMW, freqKHz, voltageMV uint32) (fxp.UFXP20x12, error) {
	if _, err := m.rail(rail); err != nil {
		return 0, err
	}
	den := uint64(voltageMV) * uint64(voltageMV) * uint64(freqKHz)
	if den == 0 {
		return 0, fmt.Errorf("zero frequency or voltage on rail %d: %w", rail, util.ErrInvalidState)
	}
	w := MulDivRoundHalfUp(uint64(dynamicMW)<<fxp.FracBits, dynamicScale, den)

	return fxp.UFXP52x12(w).Narrow(), nil
}

func (m *CMOS) DynamicPower(rail int, w fxp.UFXP20x12, freqKHz, voltageMV uint32) (uint32, error) {
	if _, err := m.rail(rail); err != nil {
		return 0, err
	}
	vsq := uint64(voltageMV) * uint64(voltageMV)
	p := MulDivRoundHalfUp(uint64(w)*vsq, uint64(freqKHz), dynamicScale<<fxp.FracBits)
	if p > math.MaxUint32 {
		return math.MaxUint32, nil
	}
	return uint32(p), nil
}

// MulDivRoundHalfUp returns a*b/c rounded half up using a 128-bit
// intermediate, saturating at MaxUint64. c must not be zero.
func MulDivRoundHalfUp(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	var carry uint64
	lo, carry = bits.Add64(lo, c/2, 0)
	hi += carry
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
