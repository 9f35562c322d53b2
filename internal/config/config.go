// Package config loads the powercapd configuration file and turns it into
// the runtime objects of the capping engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	powerv1 "github.com/nvmexp/lw-firmware-sub145/api/v1"
	"github.com/nvmexp/lw-firmware-sub145/internal/arbiter"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

const (
	defaultSamplePeriod = 100 * time.Millisecond
	defaultMedianSize   = 5
	defaultPGFilterSize = 4
	defaultStepSize     = 1
	defaultVoltage      = "set"
)

var (
	defaultUncapRatio      = intstr.FromString("90%")
	defaultUncapHysteresis = intstr.FromString("5%")
	defaultRamp            = intstr.FromString("100%")
	defaultCeilingClients  = []string{
		arbiter.ClientHost.String(),
		arbiter.ClientThermal.String(),
		arbiter.ClientPowerSupply.String(),
		arbiter.ClientUser.String(),
	}
)

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*powerv1.PowerCappingConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON configuration, applies defaults and
// validates it. Unknown fields are rejected. Validation problems are
// recorded in the status errors and returned joined.
func Parse(data []byte) (*powerv1.PowerCappingConfiguration, error) {
	cfg := &powerv1.PowerCappingConfiguration{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	SetDefaults(cfg)
	if err := Validate(cfg); err != nil {
		cfg.SetStatusErrors(util.UnpackErrsToStrings(err))
		return cfg, err
	}
	return cfg, nil
}

// SetDefaults fills every optional field left unset.
func SetDefaults(cfg *powerv1.PowerCappingConfiguration) {
	for i := range cfg.Spec.Boards {
		board := &cfg.Spec.Boards[i]
		if board.SamplePeriod.Duration == 0 {
			board.SamplePeriod = metav1.Duration{Duration: defaultSamplePeriod}
		}
		if board.PerfTable.Domain.Ratio == nil {
			board.PerfTable.Domain.Ratio = ptr.To[uint32](1)
		}
		if len(board.Arbiter.CeilingClients) == 0 {
			board.Arbiter.CeilingClients = append([]string(nil), defaultCeilingClients...)
		}
		for j := range board.Policies {
			setPolicyDefaults(&board.Policies[j])
		}
	}
}

func setPolicyDefaults(p *powerv1.PolicySpec) {
	if p.UncapRatio == nil {
		p.UncapRatio = ptr.To(defaultUncapRatio)
	}
	if p.StepSize == nil {
		p.StepSize = ptr.To[uint32](defaultStepSize)
	}
	if p.UncapHysteresis == nil {
		p.UncapHysteresis = ptr.To(defaultUncapHysteresis)
	}
	if p.VoltageSource == "" {
		p.VoltageSource = defaultVoltage
	}
	for i := range p.Rails {
		if p.Rails[i].VoltageSource == "" {
			p.Rails[i].VoltageSource = defaultVoltage
		}
	}
	if p.MedianSize == nil {
		p.MedianSize = ptr.To(defaultMedianSize)
	}
	if p.PGFilterSize == nil {
		p.PGFilterSize = ptr.To(defaultPGFilterSize)
	}
	if p.Ramp == nil {
		p.Ramp = &powerv1.RampSpec{}
	}
	if p.Ramp.Up == nil {
		p.Ramp.Up = ptr.To(defaultRamp)
	}
	if p.Ramp.Down == nil {
		p.Ramp.Down = ptr.To(defaultRamp)
	}
	if p.Search == "" {
		p.Search = policy.SearchMonotonic.String()
	}
}

// Validate checks everything that can be checked without building the
// runtime objects and reports all problems at once.
func Validate(cfg *powerv1.PowerCappingConfiguration) error {
	var errs []error
	if len(cfg.Spec.Boards) == 0 {
		errs = append(errs, fmt.Errorf("no boards configured: %w", util.ErrInvalidArgument))
	}
	boards := map[string]struct{}{}
	for _, board := range cfg.Spec.Boards {
		if _, dup := boards[board.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate board %q: %w", board.Name, util.ErrInvalidArgument))
		}
		boards[board.Name] = struct{}{}
		if err := validateBoard(board); err != nil {
			errs = append(errs, fmt.Errorf("board %q: %w", board.Name, err))
		}
	}
	return errors.Join(errs...)
}

func validateBoard(board powerv1.BoardSpec) error {
	var errs []error
	if board.Name == "" {
		errs = append(errs, fmt.Errorf("empty name: %w", util.ErrInvalidArgument))
	}
	if board.SamplePeriod.Duration <= 0 {
		errs = append(errs, fmt.Errorf("sample period %s: %w", board.SamplePeriod.Duration, util.ErrInvalidArgument))
	}
	rails := len(board.Leakage)
	if rails == 0 || rails > perf.MaxRails {
		errs = append(errs, fmt.Errorf("%d leakage rails, want 1 to %d: %w", rails, perf.MaxRails, util.ErrInvalidArgument))
	}
	for i, point := range board.PerfTable.Points {
		if len(point.VoltageMV) != rails {
			errs = append(errs, fmt.Errorf("VF point %d has %d voltages for %d rails: %w",
				i, len(point.VoltageMV), rails, util.ErrInvalidArgument))
		}
	}
	for i, leak := range board.Leakage {
		if leak.MWPerMV.Sign() < 0 {
			errs = append(errs, fmt.Errorf("rail %d: negative leakage slope: %w", i, util.ErrInvalidArgument))
		}
	}

	if len(board.Policies) == 0 {
		errs = append(errs, fmt.Errorf("no policies: %w", util.ErrInvalidArgument))
	}
	names := map[string]struct{}{}
	for _, p := range board.Policies {
		if _, dup := names[p.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate policy %q: %w", p.Name, util.ErrInvalidArgument))
		}
		names[p.Name] = struct{}{}
		if err := validatePolicy(p, rails); err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", p.Name, err))
		}
	}

	for _, c := range board.Arbiter.CeilingClients {
		if _, err := arbiter.ParseClientID(c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range board.Arbiter.Ceilings {
		if _, err := arbiter.ParseClientID(c.Client); err != nil {
			errs = append(errs, err)
		}
	}

	if board.Simulator != nil {
		if len(board.Simulator.Workloads) != rails {
			errs = append(errs, fmt.Errorf("simulator has %d workloads for %d rails: %w",
				len(board.Simulator.Workloads), rails, util.ErrInvalidArgument))
		}
		for _, share := range []*intstr.IntOrString{
			board.Simulator.MSCGResidency, board.Simulator.PGResidency, board.Simulator.ViolationShare,
		} {
			if _, err := optionalPercent(share); err != nil {
				errs = append(errs, fmt.Errorf("simulator: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func validatePolicy(p powerv1.PolicySpec, rails int) error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("empty name: %w", util.ErrInvalidArgument))
	}
	kind, err := policy.ParseKind(p.Kind)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", err, util.ErrInvalidArgument))
	}
	if l := p.Limits; l.MinMW > l.RatedMW || l.RatedMW > l.MaxMW {
		errs = append(errs, fmt.Errorf("limits %d <= %d <= %d violated: %w", l.MinMW, l.RatedMW, l.MaxMW, util.ErrInvalidArgument))
	}

	switch kind {
	case policy.KindBangBang:
		if _, err := fraction(*p.UncapRatio); err != nil {
			errs = append(errs, fmt.Errorf("uncap ratio: %w", err))
		}
	case policy.KindMarch:
		if *p.StepSize == 0 {
			errs = append(errs, fmt.Errorf("zero step size: %w", util.ErrInvalidArgument))
		}
		if _, err := fraction(*p.UncapHysteresis); err != nil {
			errs = append(errs, fmt.Errorf("uncap hysteresis: %w", err))
		}
	case policy.KindWorkload:
		if p.Rail < 0 || p.Rail >= rails {
			errs = append(errs, fmt.Errorf("rail %d of %d: %w", p.Rail, rails, util.ErrInvalidArgument))
		}
		if _, err := parseVoltageSource(p.VoltageSource); err != nil {
			errs = append(errs, err)
		}
	case policy.KindWorkloadMultirail:
		if len(p.Rails) == 0 || len(p.Rails) > rails {
			errs = append(errs, fmt.Errorf("%d rails of %d: %w", len(p.Rails), rails, util.ErrInvalidArgument))
		}
		for _, r := range p.Rails {
			if _, err := parseVoltageSource(r.VoltageSource); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := policy.ParseSearchMode(p.Search); err != nil {
			errs = append(errs, err)
		}
	}

	if kind == policy.KindWorkload || kind == policy.KindWorkloadMultirail {
		if _, err := buildRamp(p.Ramp); err != nil {
			errs = append(errs, err)
		}
		if _, err := optionalPercent(p.ViolationThreshold); err != nil {
			errs = append(errs, fmt.Errorf("violation threshold: %w", err))
		}
		if _, err := buildIntegral(p.Integral); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
