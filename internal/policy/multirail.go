package policy

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/nvmexp/lw-firmware-sub145/internal/filter"
	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/model"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// SearchMode selects how WorkloadMultirail looks for the target VF point.
type SearchMode uint8

const (
	// SearchMonotonic scans downward from the highest VF point.
	SearchMonotonic SearchMode = iota
	// SearchBidirectional starts from the previous cycle's result and walks
	// toward the target, up while the next point still fits and down while
	// the current one does not.
	SearchBidirectional
)

func (s SearchMode) String() string {
	if s == SearchBidirectional {
		return "bidirectional"
	}
	return "monotonic"
}

// ParseSearchMode is the inverse of SearchMode.String.
func ParseSearchMode(s string) (SearchMode, error) {
	switch s {
	case "", "monotonic":
		return SearchMonotonic, nil
	case "bidirectional":
		return SearchBidirectional, nil
	}
	return 0, fmt.Errorf("unknown search mode %q: %w", s, util.ErrInvalidArgument)
}

// RailConfig is the telemetry of one rail. Rails are indexed in the power
// model and the VF table by their position in WorkloadMultirailConfig.Rails.
type RailConfig struct {
	Channel       uint8
	VoltageSource metrics.VoltageSource
}

type WorkloadMultirailConfig struct {
	Rails                 []RailConfig
	MedianSize            int
	Ramp                  RampRate
	ViolationThresholdPct uint32
	Search                SearchMode
	// MSCG scales dynamic power by the memory clock gating residency.
	MSCG bool
	// PG scales leakage by the filtered graphics power gating residency.
	PG           bool
	PGFilterSize int
	Integral     *IntegralConfig
}

type railState struct {
	median     *filter.Median
	workload   fxp.UFXP20x12
	observedMW uint32
	voltageMV  uint32
	floorMV    uint32
}

type residencyTracker struct {
	prev  metrics.CounterPair
	valid bool
}

func (r *residencyTracker) update(cur metrics.CounterPair) (fxp.UFXP4x12, bool) {
	prev, valid := r.prev, r.valid
	r.prev, r.valid = cur, true
	if !valid {
		return 0, false
	}
	return metrics.Residency(prev, cur)
}

// WorkloadMultirail is Workload over several voltage rails sharing one
// clock. Each rail keeps its own workload estimate; the predicted power of a
// VF point is the sum over rails, with every rail held at or above its
// voltage floor.
type WorkloadMultirail struct {
	domainGroup
	cfg       WorkloadMultirailConfig
	source    metrics.Source
	model     model.PowerModel
	rails     []railState
	integral  *integralControl
	violation violationTracker

	mscg     residencyTracker
	pg       residencyTracker
	pgFilter *filter.MovingAverage[uint32]
	mscgRes  fxp.UFXP4x12
	pgRes    fxp.UFXP4x12

	cachedIdx uint32
	cached    bool
}

var _ Policy = &WorkloadMultirail{}

func NewWorkloadMultirail(log logr.Logger, name string, table perf.VFTable, inputs *LimitInputs,
	source metrics.Source, pm model.PowerModel, cfg WorkloadMultirailConfig) (*WorkloadMultirail, error) {
	dg, err := newDomainGroup(log, name, table, inputs)
	if err != nil {
		return nil, err
	}
	if len(cfg.Rails) == 0 || len(cfg.Rails) > perf.MaxRails {
		return nil, fmt.Errorf("policy %s: %d rails: %w", name, len(cfg.Rails), util.ErrInvalidArgument)
	}

	p := &WorkloadMultirail{
		domainGroup: dg,
		cfg:         cfg,
		source:      source,
		model:       pm,
		rails:       make([]railState, len(cfg.Rails)),
	}
	for i := range p.rails {
		if p.rails[i].median, err = filter.NewMedian(cfg.MedianSize); err != nil {
			return nil, fmt.Errorf("policy %s: rail %d: %w", name, i, err)
		}
	}
	if cfg.PG {
		if p.pgFilter, err = filter.NewMovingAverage[uint32](cfg.PGFilterSize); err != nil {
			return nil, fmt.Errorf("policy %s: PG residency: %w", name, err)
		}
	}
	if p.integral, err = newIntegralControl(cfg.Integral); err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return p, nil
}

func (p *WorkloadMultirail) Kind() Kind { return KindWorkloadMultirail }

func (p *WorkloadMultirail) Load() error {
	for i := range p.rails {
		p.rails[i].median.Reset()
		p.rails[i] = railState{median: p.rails[i].median}
	}
	if p.pgFilter != nil {
		p.pgFilter.Reset()
	}
	p.integral.reset()
	p.violation.reset()
	p.mscg = residencyTracker{}
	p.pg = residencyTracker{}
	p.mscgRes, p.pgRes = 0, 0
	p.cached = false
	return p.load()
}

// Filter reads every rail and the residency counters, then updates the
// per-rail workload estimates. Nothing is committed unless every read and
// every model evaluation succeeds.
func (p *WorkloadMultirail) Filter() error {
	if err := p.checkLoaded(); err != nil {
		return err
	}
	freq, err := p.source.ClockFrequency(p.table.Domain().Name)
	if err != nil {
		return fmt.Errorf("policy %s: clock: %w", p.name, err)
	}
	var mscgPair, pgPair metrics.CounterPair
	if p.cfg.MSCG {
		if mscgPair, err = p.source.ResidencyCounters(metrics.EngineMSCG); err != nil {
			return fmt.Errorf("policy %s: %w", p.name, err)
		}
	}
	if p.cfg.PG {
		if pgPair, err = p.source.ResidencyCounters(metrics.EngineGRPG); err != nil {
			return fmt.Errorf("policy %s: %w", p.name, err)
		}
	}

	var samples [perf.MaxRails]metrics.ChannelSample
	var voltages, floors [perf.MaxRails]uint32
	for r, rc := range p.cfg.Rails {
		if samples[r], err = p.source.ChannelSample(rc.Channel); err != nil {
			return fmt.Errorf("policy %s: rail %d channel %d: %w", p.name, r, rc.Channel, err)
		}
		if voltages[r], err = p.source.RailVoltage(r, rc.VoltageSource); err != nil {
			return fmt.Errorf("policy %s: rail %d voltage: %w", p.name, r, err)
		}
		if floors[r], err = p.source.RailVoltageFloor(r, rc.VoltageSource); err != nil {
			return fmt.Errorf("policy %s: rail %d voltage floor: %w", p.name, r, err)
		}
	}
	timer, err := p.source.ThermalViolationTimer()
	if err != nil {
		return fmt.Errorf("policy %s: violation timer: %w", p.name, err)
	}

	mscg, pg := p.mscg, p.pg
	mscgRes, pgRes := p.mscgRes, p.pgRes
	var pgSample uint32
	pgFresh := false
	if p.cfg.MSCG {
		if res, ok := mscg.update(mscgPair); ok {
			mscgRes = res
		}
	}
	if p.cfg.PG {
		if res, ok := pg.update(pgPair); ok {
			pgSample, pgFresh = uint32(res), true
			pgRes = fxp.UFXP4x12(p.pgFilter.QueryWith(pgSample))
		}
	}

	var workloads [perf.MaxRails]fxp.UFXP20x12
	effFreq := mscgRes.Complement().Mul(freq)
	for r := range p.rails {
		leakage, err := p.model.Leakage(r, voltages[r])
		if err != nil {
			return fmt.Errorf("policy %s: %w", p.name, err)
		}
		dynamic := saturatingSub(samples[r].PowerMW, pgRes.Complement().Mul(leakage))
		if effFreq == 0 {
			// fully clock gated, nothing switched
			continue
		}
		if workloads[r], err = p.model.Workload(r, dynamic, effFreq, voltages[r]); err != nil {
			return fmt.Errorf("policy %s: %w", p.name, err)
		}
	}

	p.mscg, p.pg = mscg, pg
	if pgFresh {
		p.pgFilter.Insert(pgSample)
	}
	p.mscgRes, p.pgRes = mscgRes, pgRes
	var total uint64
	for r := range p.rails {
		rail := &p.rails[r]
		rail.median.Insert(filter.Sample{Workload: workloads[r], Observed: samples[r].PowerMW})
		out := rail.median.Output()
		rail.workload = out.Workload
		rail.observedMW = out.Observed
		rail.voltageMV = voltages[r]
		rail.floorMV = floors[r]
		total += uint64(out.Observed)
	}
	p.value = uint32(min(total, uint64(perf.LimitDisabled)))
	p.violation.update(timer, samples[0].TimestampNs)
	p.integral.record(p.inputs.Current(), p.value)
	return nil
}

func (p *WorkloadMultirail) Evaluate() (perf.DomainGroupLimits, error) {
	if err := p.checkLoaded(); err != nil {
		return p.limits, err
	}
	limit := p.inputs.Current()
	target := p.integral.target(limit)

	idx, err := p.search(target)
	if err != nil {
		return p.limits, fmt.Errorf("policy %s: %w", p.name, err)
	}
	point, err := p.table.VFPointAt(idx)
	if err != nil {
		return p.limits, fmt.Errorf("policy %s: %w", p.name, err)
	}
	freq := point.FreqKHz
	if p.cfg.ViolationThresholdPct > 0 && p.violation.pct > p.cfg.ViolationThresholdPct {
		freq = min(freq, p.table.Domain().ToInternal(p.limits.Graphics()))
	}

	next, err := p.rampTo(p.cfg.Ramp, freq)
	if err != nil {
		return p.limits, fmt.Errorf("policy %s: %w", p.name, err)
	}
	p.cachedIdx, p.cached = idx, true
	p.limits = next
	p.log.V(5).Info("evaluated", "valueMW", p.value, "targetMW", target, "vfIndex", idx,
		"mscgResidency", p.mscgRes.Percent(), "pgResidency", p.pgRes.Percent(), "limits", next.String())
	return next, nil
}

// search returns the highest VF index whose predicted power fits under
// targetMW, or zero when none does. Bidirectional search falls back to the
// full downward scan when no previous result is usable.
func (p *WorkloadMultirail) search(targetMW uint32) (uint32, error) {
	_, hi, err := p.table.VFIndexRange(p.table.TopPstate())
	if err != nil {
		return 0, err
	}
	fits := func(idx uint32) (bool, error) {
		predicted, err := p.predict(idx)
		return predicted <= targetMW, err
	}

	if p.cfg.Search == SearchBidirectional && p.cached && p.cachedIdx <= hi {
		idx := p.cachedIdx
		ok, err := fits(idx)
		if err != nil {
			return 0, err
		}
		if ok {
			for idx < hi {
				if ok, err = fits(idx + 1); err != nil {
					return 0, err
				}
				if !ok {
					break
				}
				idx++
			}
			return idx, nil
		}
		for idx > 0 {
			idx--
			if ok, err = fits(idx); err != nil {
				return 0, err
			}
			if ok {
				return idx, nil
			}
		}
		return 0, nil
	}

	for idx := hi; idx > 0; idx-- {
		ok, err := fits(idx)
		if err != nil {
			return 0, err
		}
		if ok {
			return idx, nil
		}
	}
	return 0, nil
}

func (p *WorkloadMultirail) predict(idx uint32) (uint32, error) {
	point, err := p.table.VFPointAt(idx)
	if err != nil {
		return 0, err
	}
	effFreq := p.mscgRes.Complement().Mul(point.FreqKHz)

	var total uint64
	for r := range p.rails {
		voltage := max(point.VoltageMV[r], p.rails[r].floorMV)
		leakage, err := p.model.Leakage(r, voltage)
		if err != nil {
			return 0, err
		}
		dynamic, err := p.model.DynamicPower(r, p.rails[r].workload, effFreq, voltage)
		if err != nil {
			return 0, err
		}
		total += uint64(p.pgRes.Complement().Mul(leakage)) + uint64(dynamic)
	}
	return uint32(min(total, uint64(perf.LimitDisabled))), nil
}

func (p *WorkloadMultirail) Status() Status {
	s := p.status(KindWorkloadMultirail)
	s.ViolationPct = p.violation.pct
	s.MSCGResidency = p.mscgRes
	s.PGResidency = p.pgRes
	s.Rails = make([]RailStatus, len(p.rails))
	for r, rail := range p.rails {
		s.Rails[r] = RailStatus{Workload: rail.workload, ObservedMW: rail.observedMW, VoltageMV: rail.voltageMV}
	}
	return s
}
