package policy

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// domainGroup is the state every policy variant shares: the table it steers
// over, its limit inputs, the filtered reading and the last applied limits.
type domainGroup struct {
	name   string
	log    logr.Logger
	table  perf.VFTable
	inputs *LimitInputs

	value  uint32
	limits perf.DomainGroupLimits
	loaded bool
}

func newDomainGroup(log logr.Logger, name string, table perf.VFTable, inputs *LimitInputs) (domainGroup, error) {
	if table == nil {
		return domainGroup{}, fmt.Errorf("policy %s: perf table not loaded: %w", name, util.ErrNotReady)
	}
	if inputs == nil {
		return domainGroup{}, fmt.Errorf("policy %s: no limit inputs: %w", name, util.ErrInvalidArgument)
	}
	return domainGroup{
		name:   name,
		log:    log.WithValues("policy", name),
		table:  table,
		inputs: inputs,
		limits: perf.Disabled(),
	}, nil
}

func (d *domainGroup) Name() string { return d.name }

func (d *domainGroup) Limits() perf.DomainGroupLimits { return d.limits }

func (d *domainGroup) Inputs() *LimitInputs { return d.inputs }

// IsCapped reports whether the applied limits sit below the top pstate's
// maximum clock.
func (d *domainGroup) IsCapped() bool {
	if !d.loaded {
		return false
	}
	uncapped, err := d.uncapped()
	if err != nil {
		return false
	}
	return d.limits.Pstate() < uncapped.Pstate() || d.limits.Graphics() < uncapped.Graphics()
}

func (d *domainGroup) uncapped() (perf.DomainGroupLimits, error) {
	top := d.table.TopPstate()
	_, maxKHz, err := d.table.PstateClockBounds(top)
	if err != nil {
		return perf.Disabled(), err
	}
	return perf.NewLimits(top, d.table.Domain().ToExternal(maxKHz)), nil
}

func (d *domainGroup) load() error {
	uncapped, err := d.uncapped()
	if err != nil {
		return fmt.Errorf("policy %s: %w", d.name, err)
	}
	d.limits = uncapped
	d.value = 0
	d.loaded = true
	d.log.V(4).Info("policy loaded", "limits", d.limits.String())
	return nil
}

func (d *domainGroup) checkLoaded() error {
	if !d.loaded {
		return fmt.Errorf("policy %s not loaded: %w", d.name, util.ErrNotReady)
	}
	return nil
}

// rampTo ramps the graphics limit from the last applied value toward
// internalKHz across the whole table, then clamps the ramped value into the
// pstate that contains it. A ramped value in a gap between pstates snaps to
// the nearest bound of the pstate above it.
func (d *domainGroup) rampTo(ramp RampRate, internalKHz uint32) (perf.DomainGroupLimits, error) {
	domain := d.table.Domain()
	lowKHz, highKHz := d.table.ClockBounds()
	graphics := ramp.Apply(d.limits.Graphics(), domain.ToExternal(internalKHz),
		domain.ToExternal(lowKHz), domain.ToExternal(highKHz))

	pstate, err := d.table.PstateForFreq(domain.ToInternal(graphics))
	if err != nil {
		return d.limits, err
	}
	minKHz, maxKHz, err := d.table.PstateClockBounds(pstate)
	if err != nil {
		return d.limits, err
	}
	graphics = min(max(graphics, domain.ToExternal(minKHz)), domain.ToExternal(maxKHz))

	return perf.NewLimits(pstate, graphics), nil
}

func (d *domainGroup) status(kind Kind) Status {
	return Status{
		Name:    d.name,
		Kind:    kind,
		LimitMW: d.inputs.Current(),
		ValueMW: d.value,
		Capped:  d.IsCapped(),
		Limits:  d.limits,
	}
}

// violationTracker turns the thermal violation timer into the share of
// wall time spent in thermal slowdown since the previous sample.
type violationTracker struct {
	timerNs  uint64
	sampleNs uint64
	valid    bool
	advanced bool
	pct      uint32
}

func (v *violationTracker) update(timerNs, sampleNs uint64) {
	v.advanced = v.valid && timerNs != v.timerNs
	v.pct = 0
	if v.valid && timerNs >= v.timerNs && sampleNs > v.sampleNs {
		pct := fxp.DivRoundHalfUp64((timerNs-v.timerNs)*100, sampleNs-v.sampleNs)
		v.pct = uint32(min(pct, 100))
	}
	v.timerNs = timerNs
	v.sampleNs = sampleNs
	v.valid = true
}

func (v *violationTracker) reset() {
	*v = violationTracker{}
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
