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

type WorkloadConfig struct {
	Channel       uint8
	Rail          int
	VoltageSource metrics.VoltageSource
	MedianSize    int
	Ramp          RampRate
	// ViolationThresholdPct stops the policy from raising the clock while
	// the thermal violation share exceeds it. Zero disables the check.
	ViolationThresholdPct uint32
	Integral              *IntegralConfig
}

// Workload estimates the switched capacitance of the running work from the
// observed power and picks the highest VF point whose predicted power fits
// under the limit.
type Workload struct {
	domainGroup
	cfg       WorkloadConfig
	source    metrics.Source
	model     model.PowerModel
	median    *filter.Median
	integral  *integralControl
	violation violationTracker

	workload  fxp.UFXP20x12
	voltageMV uint32
}

var _ Policy = &Workload{}

func NewWorkload(log logr.Logger, name string, table perf.VFTable, inputs *LimitInputs,
	source metrics.Source, pm model.PowerModel, cfg WorkloadConfig) (*Workload, error) {
	dg, err := newDomainGroup(log, name, table, inputs)
	if err != nil {
		return nil, err
	}
	if cfg.Rail < 0 || cfg.Rail >= perf.MaxRails {
		return nil, fmt.Errorf("policy %s: rail %d: %w", name, cfg.Rail, util.ErrInvalidArgument)
	}
	median, err := filter.NewMedian(cfg.MedianSize)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	integral, err := newIntegralControl(cfg.Integral)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return &Workload{
		domainGroup: dg,
		cfg:         cfg,
		source:      source,
		model:       pm,
		median:      median,
		integral:    integral,
	}, nil
}

func (p *Workload) Kind() Kind { return KindWorkload }

func (p *Workload) Load() error {
	p.median.Reset()
	p.integral.reset()
	p.violation.reset()
	p.workload = 0
	p.voltageMV = 0
	return p.load()
}

// Filter reads the channel, clock and rail voltage, inverts the power model
// and pushes the workload into the median filter. Nothing is updated unless
// every read succeeds.
func (p *Workload) Filter() error {
	if err := p.checkLoaded(); err != nil {
		return err
	}
	sample, err := p.source.ChannelSample(p.cfg.Channel)
	if err != nil {
		return fmt.Errorf("policy %s: channel %d: %w", p.name, p.cfg.Channel, err)
	}
	freq, err := p.source.ClockFrequency(p.table.Domain().Name)
	if err != nil {
		return fmt.Errorf("policy %s: clock: %w", p.name, err)
	}
	voltage, err := p.source.RailVoltage(p.cfg.Rail, p.cfg.VoltageSource)
	if err != nil {
		return fmt.Errorf("policy %s: rail %d voltage: %w", p.name, p.cfg.Rail, err)
	}
	timer, err := p.source.ThermalViolationTimer()
	if err != nil {
		return fmt.Errorf("policy %s: violation timer: %w", p.name, err)
	}
	leakage, err := p.model.Leakage(p.cfg.Rail, voltage)
	if err != nil {
		return fmt.Errorf("policy %s: %w", p.name, err)
	}
	w, err := p.model.Workload(p.cfg.Rail, saturatingSub(sample.PowerMW, leakage), freq, voltage)
	if err != nil {
		return fmt.Errorf("policy %s: %w", p.name, err)
	}

	p.median.Insert(filter.Sample{Workload: w, Observed: sample.PowerMW})
	out := p.median.Output()
	p.workload = out.Workload
	p.value = out.Observed
	p.voltageMV = voltage
	p.violation.update(timer, sample.TimestampNs)
	p.integral.record(p.inputs.Current(), p.value)
	return nil
}

func (p *Workload) Evaluate() (perf.DomainGroupLimits, error) {
	if err := p.checkLoaded(); err != nil {
		return p.limits, err
	}
	limit := p.inputs.Current()
	target := p.integral.target(limit)

	point, err := p.search(target)
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
	p.limits = next
	p.log.V(5).Info("evaluated", "valueMW", p.value, "targetMW", target, "workload", uint32(p.workload),
		"violationPct", p.violation.pct, "limits", next.String())
	return next, nil
}

// search scans the VF points downward from the top pstate's highest one and
// returns the first whose predicted power fits under targetMW, or the lowest
// point when none does.
func (p *Workload) search(targetMW uint32) (perf.VFPoint, error) {
	_, last, err := p.table.VFIndexRange(p.table.TopPstate())
	if err != nil {
		return perf.VFPoint{}, err
	}
	for idx := last; ; idx-- {
		point, err := p.table.VFPointAt(idx)
		if err != nil {
			return perf.VFPoint{}, err
		}
		if idx == 0 {
			return point, nil
		}
		predicted, err := p.predict(point)
		if err != nil {
			return perf.VFPoint{}, err
		}
		if predicted <= targetMW {
			return point, nil
		}
	}
}

func (p *Workload) predict(point perf.VFPoint) (uint32, error) {
	voltage := point.VoltageMV[p.cfg.Rail]
	leakage, err := p.model.Leakage(p.cfg.Rail, voltage)
	if err != nil {
		return 0, err
	}
	dynamic, err := p.model.DynamicPower(p.cfg.Rail, p.workload, point.FreqKHz, voltage)
	if err != nil {
		return 0, err
	}
	return uint32(min(uint64(leakage)+uint64(dynamic), uint64(perf.LimitDisabled))), nil
}

func (p *Workload) Status() Status {
	s := p.status(KindWorkload)
	s.ViolationPct = p.violation.pct
	s.Rails = []RailStatus{{Workload: p.workload, ObservedMW: p.value, VoltageMV: p.voltageMV}}
	return s
}
