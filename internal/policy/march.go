package policy

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// Marcher steps limits through the VF table. Within the top pstate it moves
// stepSize VF points at a time; below it, one whole pstate at a time.
type Marcher struct {
	table    perf.VFTable
	stepSize uint32
}

func NewMarcher(table perf.VFTable, stepSize uint32) (Marcher, error) {
	if table == nil {
		return Marcher{}, fmt.Errorf("marcher: perf table not loaded: %w", util.ErrNotReady)
	}
	if stepSize == 0 {
		return Marcher{}, fmt.Errorf("marcher: zero step size: %w", util.ErrInvalidArgument)
	}
	return Marcher{table: table, stepSize: stepSize}, nil
}

// Step applies action to cur, which is in external units.
func (m Marcher) Step(cur perf.DomainGroupLimits, action Action) (perf.DomainGroupLimits, error) {
	top := m.table.TopPstate()
	pstate := min(cur.Pstate(), top)
	freq := m.table.Domain().ToInternal(cur.Graphics())

	switch action {
	case ActionNone:
		return cur, nil

	case ActionCap:
		if pstate == top {
			first, _, err := m.table.VFIndexRange(top)
			if err != nil {
				return cur, err
			}
			idx, err := m.table.VFIndexForFreq(top, freq)
			if err != nil {
				return cur, err
			}
			if idx-first >= m.stepSize {
				return m.atIndex(top, idx-m.stepSize)
			}
		}
		if pstate == 0 {
			return cur, nil
		}
		return m.atPstateMax(pstate - 1)

	case ActionUncap:
		if pstate < top {
			if pstate+1 < top {
				return m.atPstateMax(pstate + 1)
			}
			first, _, err := m.table.VFIndexRange(top)
			if err != nil {
				return cur, err
			}
			return m.atIndex(top, first)
		}
		_, last, err := m.table.VFIndexRange(top)
		if err != nil {
			return cur, err
		}
		idx, err := m.table.VFIndexForFreq(top, freq)
		if err != nil {
			return cur, err
		}
		if idx >= last {
			return cur, nil
		}
		return m.atIndex(top, min(idx+m.stepSize, last))

	default:
		return cur, fmt.Errorf("action %d: %w", action, util.ErrInvalidArgument)
	}
}

func (m Marcher) atIndex(pstate, idx uint32) (perf.DomainGroupLimits, error) {
	point, err := m.table.VFPointAt(idx)
	if err != nil {
		return perf.Disabled(), err
	}
	return perf.NewLimits(pstate, m.table.Domain().ToExternal(point.FreqKHz)), nil
}

func (m Marcher) atPstateMax(pstate uint32) (perf.DomainGroupLimits, error) {
	_, maxKHz, err := m.table.PstateClockBounds(pstate)
	if err != nil {
		return perf.Disabled(), err
	}
	return perf.NewLimits(pstate, m.table.Domain().ToExternal(maxKHz)), nil
}

type MarchConfig struct {
	Channel  uint8
	StepSize uint32
	// UncapHysteresis is the fraction below the limit the reading must fall
	// to before the policy steps back up.
	UncapHysteresis fxp.UFXP4x12
}

// March caps one step whenever the reading is over the limit and uncaps one
// step once it falls below the hysteresis band.
type March struct {
	domainGroup
	cfg     MarchConfig
	source  metrics.PowerChannels
	marcher Marcher
	action  Action
}

var _ Policy = &March{}

func NewMarch(log logr.Logger, name string, table perf.VFTable, inputs *LimitInputs,
	source metrics.PowerChannels, cfg MarchConfig) (*March, error) {
	dg, err := newDomainGroup(log, name, table, inputs)
	if err != nil {
		return nil, err
	}
	marcher, err := NewMarcher(table, cfg.StepSize)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return &March{domainGroup: dg, cfg: cfg, source: source, marcher: marcher}, nil
}

func (p *March) Kind() Kind { return KindMarch }

func (p *March) Load() error {
	p.action = ActionNone
	return p.load()
}

func (p *March) Filter() error {
	if err := p.checkLoaded(); err != nil {
		return err
	}
	sample, err := p.source.ChannelSample(p.cfg.Channel)
	if err != nil {
		return fmt.Errorf("policy %s: channel %d: %w", p.name, p.cfg.Channel, err)
	}
	p.value = sample.PowerMW
	return nil
}

func (p *March) Evaluate() (perf.DomainGroupLimits, error) {
	if err := p.checkLoaded(); err != nil {
		return p.limits, err
	}
	limit := p.inputs.Current()
	switch {
	case p.value > limit:
		p.action = ActionCap
	case p.value < p.cfg.UncapHysteresis.Complement().Mul(limit):
		p.action = ActionUncap
	default:
		p.action = ActionNone
	}

	next, err := p.marcher.Step(p.limits, p.action)
	if err != nil {
		return p.limits, fmt.Errorf("policy %s: %w", p.name, err)
	}
	p.limits = next
	p.log.V(5).Info("evaluated", "valueMW", p.value, "limitMW", limit, "action", p.action.String(), "limits", next.String())
	return next, nil
}

func (p *March) Status() Status {
	s := p.status(KindMarch)
	s.Action = p.action
	return s
}
