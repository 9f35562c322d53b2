package policy

import (
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

// RampRate bounds how far a limit moves per cycle, as a fraction of the
// distance to the new value. A scale of 1.0 jumps straight to the target.
type RampRate struct {
	Up   fxp.UFXP4x12
	Down fxp.UFXP4x12
}

// NoRamp applies every new limit immediately.
var NoRamp = RampRate{Up: fxp.One4x12, Down: fxp.One4x12}

// Apply moves oldKHz toward newKHz by at most the scaled distance, then
// clamps the result into [minKHz, maxKHz]. All values are external units.
// A disabled new limit keeps the old one; a disabled old limit takes the new
// one without ramping.
func (r RampRate) Apply(oldKHz, newKHz, minKHz, maxKHz uint32) uint32 {
	if newKHz == perf.LimitDisabled {
		return oldKHz
	}

	out := newKHz
	if oldKHz != perf.LimitDisabled {
		switch {
		case newKHz > oldKHz:
			out = oldKHz + min(r.Up.Saturate().Mul(newKHz-oldKHz), newKHz-oldKHz)
		case newKHz < oldKHz:
			out = oldKHz - min(r.Down.Saturate().Mul(oldKHz-newKHz), oldKHz-newKHz)
		}
	}

	return min(max(out, minKHz), maxKHz)
}
