// Package sim provides a synthetic board that stands in for the telemetry
// and clock hardware so the capping engine can run without a GPU.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/model"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// TotalChannel reports the power of every rail. Rail r is reported on
// channel RailChannel(r).
const TotalChannel uint8 = 0

func RailChannel(rail int) uint8 { return uint8(rail + 1) }

const defaultCounterInterval = 10 * time.Millisecond

type Config struct {
	// Workloads is the switched capacitance of each rail.
	Workloads      []fxp.UFXP20x12
	MSCGResidency  fxp.UFXP4x12
	PGResidency    fxp.UFXP4x12
	ViolationShare fxp.UFXP4x12
	// CounterInterval is how often the residency counters are sampled.
	CounterInterval time.Duration
}

// Board runs its clock at the last applied limit and reports the power the
// configured workloads draw there. All methods are safe for concurrent use.
type Board struct {
	table perf.VFTable
	model model.PowerModel
	cfg   Config
	now   func() uint64
	log   logr.Logger

	counters *metrics.CounterClient

	mu          sync.Mutex
	workloads   []fxp.UFXP20x12
	clockKHz    uint32
	startNs     uint64
	lastNs      uint64
	violationNs uint64
}

var (
	_ metrics.Source = &Board{}
)

// NewBoard starts the board at the top pstate's maximum clock. now is the
// board's time base in ns; nil selects metrics.MonotonicNs. The board must
// be closed once no longer in use.
func NewBoard(log logr.Logger, table perf.VFTable, pm model.PowerModel, now func() uint64, cfg Config) (*Board, error) {
	if table == nil || pm == nil {
		return nil, fmt.Errorf("simulated board: perf table and power model are required: %w", util.ErrInvalidArgument)
	}
	if len(cfg.Workloads) == 0 || len(cfg.Workloads) > perf.MaxRails {
		return nil, fmt.Errorf("simulated board: %d rails: %w", len(cfg.Workloads), util.ErrInvalidArgument)
	}
	if now == nil {
		now = metrics.MonotonicNs
	}
	if cfg.CounterInterval <= 0 {
		cfg.CounterInterval = defaultCounterInterval
	}
	_, topKHz, err := table.PstateClockBounds(table.TopPstate())
	if err != nil {
		return nil, err
	}

	start := now()
	b := &Board{
		table:     table,
		model:     pm,
		cfg:       cfg,
		now:       now,
		log:       log,
		workloads: append([]fxp.UFXP20x12(nil), cfg.Workloads...),
		clockKHz:  topKHz,
		startNs:   start,
		lastNs:    start,
	}
	b.counters = metrics.NewCounterClient(log.WithName("counters"), map[metrics.Engine]metrics.CounterReader{
		metrics.EngineMSCG: &residencyReader{now: b.elapsedNs, share: cfg.MSCGResidency},
		metrics.EngineGRPG: &residencyReader{now: b.elapsedNs, share: cfg.PGResidency},
	}, cfg.CounterInterval)
	b.log.V(4).Info("simulated board created", "rails", len(cfg.Workloads), "clockKHz", topKHz)

	return b, nil
}

func (b *Board) Close() {
	b.counters.Close()
}

func (b *Board) elapsedNs() uint64 {
	return b.now() - b.startNs
}

// SetWorkload changes the switched capacitance of rail.
func (b *Board) SetWorkload(rail int, w fxp.UFXP20x12) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rail < 0 || rail >= len(b.workloads) {
		return fmt.Errorf("rail %d: %w", rail, util.ErrInvalidArgument)
	}
	b.workloads[rail] = w
	return nil
}

// ApplyLimits moves the clock to the graphics limit, bounded by the maximum
// of the limited pstate. Disabled values do not limit.
func (b *Board) ApplyLimits(limits perf.DomainGroupLimits) error {
	pstate := min(limits.Pstate(), b.table.TopPstate())
	_, maxKHz, err := b.table.PstateClockBounds(pstate)
	if err != nil {
		return err
	}
	clockKHz := maxKHz
	if g := limits.Graphics(); g != perf.LimitDisabled {
		clockKHz = min(clockKHz, b.table.Domain().ToInternal(g))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if clockKHz != b.clockKHz {
		b.log.V(5).Info("clock changed", "fromKHz", b.clockKHz, "toKHz", clockKHz)
	}
	b.clockKHz = clockKHz
	return nil
}

// ChannelSample reports the total power on TotalChannel and a single
// rail's on RailChannel.
func (b *Board) ChannelSample(channel uint8) (metrics.ChannelSample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sample := metrics.ChannelSample{TimestampNs: b.elapsedNs()}
	if channel == TotalChannel {
		for rail := range b.workloads {
			p, err := b.railPower(rail)
			if err != nil {
				return metrics.ChannelSample{}, err
			}
			sample.PowerMW += p
		}
		return sample, nil
	}

	rail := int(channel) - int(RailChannel(0))
	if rail >= len(b.workloads) {
		return metrics.ChannelSample{}, fmt.Errorf("channel %d: %w", channel, util.ErrInvalidState)
	}
	p, err := b.railPower(rail)
	if err != nil {
		return metrics.ChannelSample{}, err
	}
	sample.PowerMW = p
	return sample, nil
}

// railPower is called with mu held.
func (b *Board) railPower(rail int) (uint32, error) {
	voltage, err := b.table.VoltageAt(rail, b.clockKHz)
	if err != nil {
		return 0, err
	}
	leakage, err := b.model.Leakage(rail, voltage)
	if err != nil {
		return 0, err
	}
	freq := b.cfg.MSCGResidency.Complement().Mul(b.clockKHz)
	dynamic, err := b.model.DynamicPower(rail, b.workloads[rail], freq, voltage)
	if err != nil {
		return 0, err
	}
	return b.cfg.PGResidency.Complement().Mul(leakage) + dynamic, nil
}

func (b *Board) ClockFrequency(domain string) (uint32, error) {
	if domain != b.table.Domain().Name {
		return 0, fmt.Errorf("clock domain %q: %w", domain, util.ErrInvalidState)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clockKHz, nil
}

// RailVoltage reports the voltage of the VF point the clock runs at. Set
// and sensed voltages are identical on a simulated board.
func (b *Board) RailVoltage(rail int, _ metrics.VoltageSource) (uint32, error) {
	if err := b.checkRail(rail); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table.VoltageAt(rail, b.clockKHz)
}

// RailVoltageFloor reports the voltage of the lowest VF point.
func (b *Board) RailVoltageFloor(rail int, _ metrics.VoltageSource) (uint32, error) {
	if err := b.checkRail(rail); err != nil {
		return 0, err
	}
	point, err := b.table.VFPointAt(0)
	if err != nil {
		return 0, err
	}
	return point.VoltageMV[rail], nil
}

func (b *Board) checkRail(rail int) error {
	if rail < 0 || rail >= len(b.workloads) {
		return fmt.Errorf("rail %d: %w", rail, util.ErrInvalidArgument)
	}
	return nil
}

// ThermalViolationTimer advances the timer by the configured share of the
// time elapsed since the previous read.
func (b *Board) ThermalViolationTimer() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if now > b.lastNs {
		b.violationNs += b.cfg.ViolationShare.Mul64(now - b.lastNs)
		b.lastNs = now
	}
	return b.violationNs, nil
}

func (b *Board) ResidencyCounters(engine metrics.Engine) (metrics.CounterPair, error) {
	return b.counters.ResidencyCounters(engine)
}

// residencyReader produces a counter pair whose sleep counter grows by a
// fixed share of the elapsed counter.
type residencyReader struct {
	now   func() uint64
	share fxp.UFXP4x12
}

func (r *residencyReader) ReadCounters() (metrics.CounterPair, error) {
	eval := r.now()
	sleep := model.MulDivRoundHalfUp(uint64(r.share), eval, uint64(fxp.One4x12))
	return metrics.CounterPair{EvalNs: eval, SleepNs: sleep}, nil
}
