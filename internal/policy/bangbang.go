package policy

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

type BangBangConfig struct {
	Channel uint8
	// UncapRatio is the reading/limit ratio below which the policy uncaps.
	// At or above it the policy caps.
	UncapRatio fxp.UFXP4x12
}

// BangBangSource is the telemetry BangBang reads.
type BangBangSource interface {
	metrics.PowerChannels
	metrics.ViolationTimer
}

// BangBang caps or uncaps one VF point every cycle. Cycles during which the
// thermal violation timer moved are not acted on, since the reading was
// taken while another controller was already slowing the clocks.
type BangBang struct {
	domainGroup
	cfg       BangBangConfig
	source    BangBangSource
	marcher   Marcher
	violation violationTracker
	action    Action
}

var _ Policy = &BangBang{}

func NewBangBang(log logr.Logger, name string, table perf.VFTable, inputs *LimitInputs,
	source BangBangSource, cfg BangBangConfig) (*BangBang, error) {
	dg, err := newDomainGroup(log, name, table, inputs)
	if err != nil {
		return nil, err
	}
	marcher, err := NewMarcher(table, 1)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return &BangBang{domainGroup: dg, cfg: cfg, source: source, marcher: marcher}, nil
}

func (p *BangBang) Kind() Kind { return KindBangBang }

func (p *BangBang) Load() error {
	p.action = ActionNone
	p.violation.reset()
	return p.load()
}

func (p *BangBang) Filter() error {
	if err := p.checkLoaded(); err != nil {
		return err
	}
	sample, err := p.source.ChannelSample(p.cfg.Channel)
	if err != nil {
		return fmt.Errorf("policy %s: channel %d: %w", p.name, p.cfg.Channel, err)
	}
	timer, err := p.source.ThermalViolationTimer()
	if err != nil {
		return fmt.Errorf("policy %s: violation timer: %w", p.name, err)
	}
	p.value = sample.PowerMW
	p.violation.update(timer, sample.TimestampNs)
	return nil
}

func (p *BangBang) Evaluate() (perf.DomainGroupLimits, error) {
	if err := p.checkLoaded(); err != nil {
		return p.limits, err
	}
	limit := p.inputs.Current()
	switch {
	case p.violation.advanced:
		p.action = ActionNone
	case fxp.Ratio4x12(uint64(p.value), uint64(limit)) < p.cfg.UncapRatio:
		p.action = ActionUncap
	default:
		p.action = ActionCap
	}

	next, err := p.marcher.Step(p.limits, p.action)
	if err != nil {
		return p.limits, fmt.Errorf("policy %s: %w", p.name, err)
	}
	p.limits = next
	p.log.V(5).Info("evaluated", "valueMW", p.value, "limitMW", limit, "action", p.action.String(), "limits", next.String())
	return next, nil
}

func (p *BangBang) Status() Status {
	s := p.status(KindBangBang)
	s.Action = p.action
	s.ViolationPct = p.violation.pct
	return s
}
