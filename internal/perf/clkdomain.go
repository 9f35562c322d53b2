package perf

import (
	"fmt"

	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// ClockDomain describes how a clock domain's internal frequencies relate to
// the externally expressed ones. A "2x" domain (ratio 2) runs its tables at
// twice the external clock.
type ClockDomain struct {
	Name  string
	Ratio uint32
}

// NewClockDomain validates the ratio. Only 1x and 2x domains exist.
func NewClockDomain(name string, ratio uint32) (ClockDomain, error) {
	if ratio != 1 && ratio != 2 {
		return ClockDomain{}, fmt.Errorf("clock domain %q ratio %d: %w", name, ratio, util.ErrInvalidArgument)
	}
	return ClockDomain{Name: name, Ratio: ratio}, nil
}

// ToExternal converts an internal frequency, rounding half up.
func (c ClockDomain) ToExternal(internalKHz uint32) uint32 {
	if internalKHz == LimitDisabled || c.Ratio <= 1 {
		return internalKHz
	}
	return fxp.DivRoundHalfUp32(internalKHz, c.Ratio)
}

// ToInternal converts an external frequency.
func (c ClockDomain) ToInternal(externalKHz uint32) uint32 {
	if externalKHz == LimitDisabled || c.Ratio <= 1 {
		return externalKHz
	}
	v := uint64(externalKHz) * uint64(c.Ratio)
	if v >= uint64(LimitDisabled) {
		return LimitDisabled - 1
	}
	return uint32(v)
}
