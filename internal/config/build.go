package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	powerv1 "github.com/nvmexp/lw-firmware-sub145/api/v1"
	"github.com/nvmexp/lw-firmware-sub145/internal/arbiter"
	"github.com/nvmexp/lw-firmware-sub145/internal/capping"
	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/model"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/internal/sim"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// maxRatioPct keeps ratios inside the 4.12 range.
const maxRatioPct = 1599

// BoardIO connects a configured board to its telemetry and to the clocks
// the arbitrated limits are applied to.
type BoardIO func(board powerv1.BoardSpec, table *perf.Table, pm model.PowerModel) (metrics.Source, capping.LimitSink, error)

// Board holds the runtime objects built from one BoardSpec.
type Board struct {
	Table    *perf.Table
	Model    *model.CMOS
	Policies []policy.Policy
	Arbiter  *arbiter.Arbiter
}

// CappingOpts lists the worker options of every configured board.
func CappingOpts(cfg *powerv1.PowerCappingConfiguration) []capping.CappingOpts {
	opts := make([]capping.CappingOpts, 0, len(cfg.Spec.Boards))
	for _, board := range cfg.Spec.Boards {
		opts = append(opts, capping.CappingOpts{Board: board.Name, SamplePeriod: board.SamplePeriod.Duration})
	}
	return opts
}

// NewStateFactory returns a capping.StateFactory building boards of cfg
// wired through io.
func NewStateFactory(cfg *powerv1.PowerCappingConfiguration, io BoardIO, clk clock.PassiveClock, log logr.Logger) capping.StateFactory {
	boards := map[string]powerv1.BoardSpec{}
	for _, board := range cfg.Spec.Boards {
		boards[board.Name] = board
	}

	return func(opts capping.CappingOpts) (*capping.PowerManagerState, error) {
		spec, ok := boards[opts.Board]
		if !ok {
			return nil, fmt.Errorf("board %q is not configured: %w", opts.Board, util.ErrInvalidArgument)
		}
		table, err := BuildTable(spec.PerfTable)
		if err != nil {
			return nil, fmt.Errorf("board %q: %w", spec.Name, err)
		}
		pm, err := BuildModel(spec.Leakage)
		if err != nil {
			return nil, fmt.Errorf("board %q: %w", spec.Name, err)
		}
		source, sink, err := io(spec, table, pm)
		if err != nil {
			return nil, fmt.Errorf("board %q: %w", spec.Name, err)
		}
		board, err := BuildBoard(log.WithName(spec.Name), spec, table, pm, source)
		if err != nil {
			return nil, err
		}
		return capping.NewPowerManagerState(spec.Name, board.Policies, board.Arbiter, sink, clk)
	}
}

// BuildBoard builds the policies and arbiter of spec on top of an already
// built table and model.
func BuildBoard(log logr.Logger, spec powerv1.BoardSpec, table *perf.Table, pm *model.CMOS, source metrics.Source) (*Board, error) {
	var errs []error
	board := &Board{Table: table, Model: pm}
	for _, p := range spec.Policies {
		built, err := BuildPolicy(log, p, table, source, pm)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		board.Policies = append(board.Policies, built)
	}
	arb, err := BuildArbiter(spec.Arbiter, table)
	if err != nil {
		errs = append(errs, err)
	}
	board.Arbiter = arb
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("board %q: %w", spec.Name, err)
	}
	return board, nil
}

func BuildTable(spec powerv1.PerfTableSpec) (*perf.Table, error) {
	domain, err := perf.NewClockDomain(spec.Domain.Name, ptr.Deref(spec.Domain.Ratio, 1))
	if err != nil {
		return nil, err
	}
	pstates := make([]perf.PstateBounds, len(spec.Pstates))
	for i, p := range spec.Pstates {
		pstates[i] = perf.PstateBounds{MinKHz: p.MinKHz, MaxKHz: p.MaxKHz}
	}
	points := make([]perf.VFPoint, len(spec.Points))
	for i, p := range spec.Points {
		if len(p.VoltageMV) > perf.MaxRails {
			return nil, fmt.Errorf("VF point %d: %d voltages: %w", i, len(p.VoltageMV), util.ErrInvalidArgument)
		}
		points[i].FreqKHz = p.FreqKHz
		copy(points[i].VoltageMV[:], p.VoltageMV)
	}
	return perf.NewTable(domain, pstates, points)
}

func BuildModel(leakage []powerv1.RailLeakageSpec) (*model.CMOS, error) {
	rails := make([]model.RailLeakage, len(leakage))
	for i, l := range leakage {
		slope, err := quantity20x12(l.MWPerMV)
		if err != nil {
			return nil, fmt.Errorf("rail %d leakage: %w", i, err)
		}
		rails[i] = model.RailLeakage{OffsetMW: l.OffsetMW, MWPerMV: slope}
	}
	return model.NewCMOS(rails)
}

// BuildPolicy builds one policy with its limit inputs. spec must have been
// defaulted.
func BuildPolicy(log logr.Logger, spec powerv1.PolicySpec, table perf.VFTable,
	source metrics.Source, pm model.PowerModel) (policy.Policy, error) {
	wrap := func(err error) error { return fmt.Errorf("policy %q: %w", spec.Name, err) }

	kind, err := policy.ParseKind(spec.Kind)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: %w", err, util.ErrInvalidArgument))
	}
	inputs, err := policy.NewLimitInputs(spec.Limits.MinMW, spec.Limits.RatedMW, spec.Limits.MaxMW)
	if err != nil {
		return nil, wrap(err)
	}

	switch kind {
	case policy.KindBangBang:
		uncap, err := fraction(*spec.UncapRatio)
		if err != nil {
			return nil, wrap(err)
		}
		return asPolicy(policy.NewBangBang(log, spec.Name, table, inputs, source,
			policy.BangBangConfig{Channel: spec.Channel, UncapRatio: uncap}))

	case policy.KindMarch:
		hysteresis, err := fraction(*spec.UncapHysteresis)
		if err != nil {
			return nil, wrap(err)
		}
		return asPolicy(policy.NewMarch(log, spec.Name, table, inputs, source,
			policy.MarchConfig{Channel: spec.Channel, StepSize: *spec.StepSize, UncapHysteresis: hysteresis}))

	case policy.KindWorkload:
		common, err := buildWorkloadCommon(spec)
		if err != nil {
			return nil, wrap(err)
		}
		src, err := parseVoltageSource(spec.VoltageSource)
		if err != nil {
			return nil, wrap(err)
		}
		return asPolicy(policy.NewWorkload(log, spec.Name, table, inputs, source, pm, policy.WorkloadConfig{
			Channel:               spec.Channel,
			Rail:                  spec.Rail,
			VoltageSource:         src,
			MedianSize:            *spec.MedianSize,
			Ramp:                  common.ramp,
			ViolationThresholdPct: common.violationPct,
			Integral:              common.integral,
		}))

	case policy.KindWorkloadMultirail:
		common, err := buildWorkloadCommon(spec)
		if err != nil {
			return nil, wrap(err)
		}
		search, err := policy.ParseSearchMode(spec.Search)
		if err != nil {
			return nil, wrap(err)
		}
		rails := make([]policy.RailConfig, len(spec.Rails))
		for i, r := range spec.Rails {
			src, err := parseVoltageSource(r.VoltageSource)
			if err != nil {
				return nil, wrap(err)
			}
			rails[i] = policy.RailConfig{Channel: r.Channel, VoltageSource: src}
		}
		return asPolicy(policy.NewWorkloadMultirail(log, spec.Name, table, inputs, source, pm, policy.WorkloadMultirailConfig{
			Rails:                 rails,
			MedianSize:            *spec.MedianSize,
			Ramp:                  common.ramp,
			ViolationThresholdPct: common.violationPct,
			Search:                search,
			MSCG:                  spec.MSCG,
			PG:                    spec.PG,
			PGFilterSize:          *spec.PGFilterSize,
			Integral:              common.integral,
		}))
	}
	return nil, wrap(fmt.Errorf("kind %s: %w", kind, util.ErrInvalidArgument))
}

func asPolicy[P policy.Policy](p P, err error) (policy.Policy, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

type workloadCommon struct {
	ramp         policy.RampRate
	violationPct uint32
	integral     *policy.IntegralConfig
}

func buildWorkloadCommon(spec powerv1.PolicySpec) (workloadCommon, error) {
	var (
		c   workloadCommon
		err error
	)
	if c.ramp, err = buildRamp(spec.Ramp); err != nil {
		return c, err
	}
	if c.violationPct, err = optionalPercent(spec.ViolationThreshold); err != nil {
		return c, fmt.Errorf("violation threshold: %w", err)
	}
	if c.integral, err = buildIntegral(spec.Integral); err != nil {
		return c, err
	}
	return c, nil
}

func buildRamp(spec *powerv1.RampSpec) (policy.RampRate, error) {
	if spec == nil {
		return policy.NoRamp, nil
	}
	r := policy.NoRamp
	var err error
	if spec.Up != nil {
		if r.Up, err = fraction(*spec.Up); err != nil {
			return r, fmt.Errorf("ramp up: %w", err)
		}
	}
	if spec.Down != nil {
		if r.Down, err = fraction(*spec.Down); err != nil {
			return r, fmt.Errorf("ramp down: %w", err)
		}
	}
	return r, nil
}

func buildIntegral(spec *powerv1.IntegralSpec) (*policy.IntegralConfig, error) {
	if spec == nil {
		return nil, nil
	}
	lo, err := ratio(spec.MinRatio)
	if err != nil {
		return nil, fmt.Errorf("integral min ratio: %w", err)
	}
	hi, err := ratio(spec.MaxRatio)
	if err != nil {
		return nil, fmt.Errorf("integral max ratio: %w", err)
	}
	if spec.FutureSamples == 0 || lo > hi {
		return nil, fmt.Errorf("integral control: future samples %d, ratios %s..%s: %w",
			spec.FutureSamples, spec.MinRatio.String(), spec.MaxRatio.String(), util.ErrInvalidArgument)
	}
	return &policy.IntegralConfig{
		PastSamples:   spec.PastSamples,
		FutureSamples: spec.FutureSamples,
		MinRatio:      lo,
		MaxRatio:      hi,
	}, nil
}

// BuildArbiter builds the ceiling registry with its initial requests and
// the arbiter of the board.
func BuildArbiter(spec powerv1.ArbiterSpec, table perf.VFTable) (*arbiter.Arbiter, error) {
	clients := make([]arbiter.ClientID, 0, len(spec.CeilingClients))
	for _, c := range spec.CeilingClients {
		id, err := arbiter.ParseClientID(c)
		if err != nil {
			return nil, err
		}
		clients = append(clients, id)
	}
	registry, err := arbiter.NewCeilingRegistry(clients...)
	if err != nil {
		return nil, err
	}
	for _, c := range spec.Ceilings {
		id, err := arbiter.ParseClientID(c.Client)
		if err != nil {
			return nil, err
		}
		if err := registry.Request(id, BuildLimits(&c.Limits)); err != nil {
			return nil, err
		}
	}

	cfg := arbiter.Config{}
	if spec.RatedFloor != nil {
		cfg.RatedFloor = ptr.To(BuildLimits(spec.RatedFloor))
	}
	if spec.FullDeflection != nil {
		cfg.FullDeflection = ptr.To(BuildLimits(spec.FullDeflection))
	}
	return arbiter.New(table, registry, cfg)
}

// BuildLimits converts spec, leaving unset values disabled.
func BuildLimits(spec *powerv1.LimitsSpec) perf.DomainGroupLimits {
	l := perf.Disabled()
	if spec == nil {
		return l
	}
	if spec.Pstate != nil {
		l.Values[perf.DomainGroupPstate] = *spec.Pstate
	}
	if spec.GraphicsKHz != nil {
		l.Values[perf.DomainGroupGraphics] = *spec.GraphicsKHz
	}
	return l
}

// SimulatorConfig converts the simulator settings of a board.
func SimulatorConfig(spec *powerv1.SimulatorSpec) (sim.Config, error) {
	if spec == nil {
		return sim.Config{}, fmt.Errorf("no simulator configured: %w", util.ErrInvalidArgument)
	}
	var (
		cfg sim.Config
		err error
	)
	for i, q := range spec.Workloads {
		w, err := quantity20x12(q)
		if err != nil {
			return cfg, fmt.Errorf("simulator workload %d: %w", i, err)
		}
		cfg.Workloads = append(cfg.Workloads, w)
	}
	if cfg.MSCGResidency, err = optionalFraction(spec.MSCGResidency); err != nil {
		return cfg, fmt.Errorf("simulator mscg residency: %w", err)
	}
	if cfg.PGResidency, err = optionalFraction(spec.PGResidency); err != nil {
		return cfg, fmt.Errorf("simulator pg residency: %w", err)
	}
	if cfg.ViolationShare, err = optionalFraction(spec.ViolationShare); err != nil {
		return cfg, fmt.Errorf("simulator violation share: %w", err)
	}
	return cfg, nil
}

func parseVoltageSource(s string) (metrics.VoltageSource, error) {
	switch s {
	case "", metrics.VoltageSourceSet.String():
		return metrics.VoltageSourceSet, nil
	case metrics.VoltageSourceSensed.String():
		return metrics.VoltageSourceSensed, nil
	}
	return 0, fmt.Errorf("unknown voltage source %q: %w", s, util.ErrInvalidArgument)
}

func percent(v intstr.IntOrString) (uint32, error) {
	pct, err := intstr.GetScaledValueFromIntOrPercent(&v, 100, false)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", err, util.ErrInvalidArgument)
	}
	if pct < 0 || pct > maxRatioPct {
		return 0, fmt.Errorf("%s out of range: %w", v.String(), util.ErrInvalidArgument)
	}
	return uint32(pct), nil
}

func optionalPercent(v *intstr.IntOrString) (uint32, error) {
	if v == nil {
		return 0, nil
	}
	pct, err := percent(*v)
	if err != nil {
		return 0, err
	}
	if pct > 100 {
		return 0, fmt.Errorf("%s above 100%%: %w", v.String(), util.ErrInvalidArgument)
	}
	return pct, nil
}

// ratio converts a percentage, or a plain integer read as one, into 4.12.
func ratio(v intstr.IntOrString) (fxp.UFXP4x12, error) {
	pct, err := percent(v)
	if err != nil {
		return 0, err
	}
	return fxp.Percent4x12(pct), nil
}

// fraction is ratio restricted to [0, 100%].
func fraction(v intstr.IntOrString) (fxp.UFXP4x12, error) {
	pct, err := optionalPercent(&v)
	if err != nil {
		return 0, err
	}
	return fxp.Percent4x12(pct), nil
}

func optionalFraction(v *intstr.IntOrString) (fxp.UFXP4x12, error) {
	if v == nil {
		return 0, nil
	}
	return fraction(*v)
}

func quantity20x12(q resource.Quantity) (fxp.UFXP20x12, error) {
	milli := q.MilliValue()
	if milli < 0 || milli/1000 > math.MaxUint32>>fxp.FracBits {
		return 0, fmt.Errorf("%s out of range: %w", q.String(), util.ErrInvalidArgument)
	}
	return fxp.Ratio20x12(uint64(milli), 1000), nil
}
