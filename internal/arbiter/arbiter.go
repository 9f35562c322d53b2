// Package arbiter combines the limits requested by the active power policies
// with external ceilings into the one limit applied to the clocks.
package arbiter

import (
	"fmt"
	"sync/atomic"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

type Config struct {
	// RatedFloor, when set, is the lowest point policies may push the
	// clocks to.
	RatedFloor *perf.DomainGroupLimits
	// FullDeflection, when set, caps the result while the fault input is
	// asserted.
	FullDeflection *perf.DomainGroupLimits
}

// Result is the outcome of one arbitration pass.
type Result struct {
	Limits  perf.DomainGroupLimits
	Ceiling perf.DomainGroupLimits
	Fault   bool
}

// Arbiter is the domain group arbiter. Arbitrate is called from the cycle
// only; SetFault may be called from any goroutine.
type Arbiter struct {
	table          perf.VFTable
	registry       *CeilingRegistry
	ratedFloor     perf.DomainGroupLimits
	fullDeflection perf.DomainGroupLimits
	fault          atomic.Bool
}

func New(table perf.VFTable, registry *CeilingRegistry, cfg Config) (*Arbiter, error) {
	if table == nil {
		return nil, fmt.Errorf("arbiter: perf table not loaded: %w", util.ErrNotReady)
	}
	if registry == nil {
		return nil, fmt.Errorf("arbiter: no ceiling registry: %w", util.ErrInvalidArgument)
	}
	a := &Arbiter{
		table:          table,
		registry:       registry,
		ratedFloor:     perf.Disabled(),
		fullDeflection: perf.Disabled(),
	}
	if cfg.RatedFloor != nil {
		a.ratedFloor = *cfg.RatedFloor
	}
	if cfg.FullDeflection != nil {
		a.fullDeflection = *cfg.FullDeflection
	}
	return a, nil
}

// SetFault asserts or clears the full deflection input.
func (a *Arbiter) SetFault(asserted bool) {
	a.fault.Store(asserted)
}

// Registry returns the ceiling registry consulted on every pass.
func (a *Arbiter) Registry() *CeilingRegistry {
	return a.registry
}

// Arbitrate takes the per domain group minimum of the candidates, raises it
// to the rated floor, caps it by the global ceiling and, while a fault is
// asserted, by the full deflection point. Finally the pstate is lowered to
// one whose range can honour the graphics ceiling and the graphics clock is
// clamped to that pstate's maximum.
func (a *Arbiter) Arbitrate(candidates []perf.DomainGroupLimits) (Result, error) {
	out := perf.Disabled()
	for _, c := range candidates {
		out = out.Min(c)
	}
	if !out.IsDisabled() {
		out = out.Max(a.ratedFloor)
	}

	res := Result{Ceiling: a.registry.Ceiling(), Fault: a.fault.Load()}
	out = out.Min(res.Ceiling)
	if res.Fault {
		out = out.Min(a.fullDeflection)
	}

	out, err := a.normalize(out)
	if err != nil {
		return res, err
	}
	res.Limits = out
	return res, nil
}

// normalize lowers the pstate until its range can honour the graphics
// ceiling, then clamps the clock to that pstate's maximum.
func (a *Arbiter) normalize(l perf.DomainGroupLimits) (perf.DomainGroupLimits, error) {
	if l.Pstate() == perf.LimitDisabled {
		return l, nil
	}
	domain := a.table.Domain()
	pstate := min(l.Pstate(), a.table.TopPstate())
	if l.Graphics() != perf.LimitDisabled {
		pstate = min(pstate, a.table.PstateCeilingForFreq(domain.ToInternal(l.Graphics())))
	}
	_, maxKHz, err := a.table.PstateClockBounds(pstate)
	if err != nil {
		return l, err
	}
	return perf.NewLimits(pstate, min(l.Graphics(), domain.ToExternal(maxKHz))), nil
}
