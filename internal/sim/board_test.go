package sim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/model"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/testutils"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

const testInterval = time.Millisecond

type fakeNow struct {
	ns atomic.Uint64
}

func (f *fakeNow) now() uint64 { return f.ns.Load() }

func setupLogger() {
	log.SetLogger(zap.New(zap.UseDevMode(true), func(opts *zap.Options) {
		opts.TimeEncoder = zapcore.ISO8601TimeEncoder
	}))
}

func newTestBoard(t *testing.T, clk *fakeNow, cfg Config) *Board {
	setupLogger()
	pm, err := model.NewCMOS([]model.RailLeakage{
		{OffsetMW: 1000, MWPerMV: 4 * fxp.One20x12},
		{OffsetMW: 500, MWPerMV: 2 * fxp.One20x12},
	})
	require.NoError(t, err)
	cfg.CounterInterval = testInterval
	board, err := NewBoard(ctrl.Log.WithName("testing"), testutils.NewTestTable(1), pm, clk.now, cfg)
	require.NoError(t, err)
	t.Cleanup(board.Close)
	return board
}

func TestNewBoard(t *testing.T) {
	board := newTestBoard(t, &fakeNow{}, Config{Workloads: []fxp.UFXP20x12{100 * fxp.One20x12}})

	freq, err := board.ClockFrequency("gpc")
	assert.NoError(t, err)
	assert.Equal(t, uint32(2_000_000), freq)

	_, err = NewBoard(ctrl.Log.WithName("testing"), nil, nil, nil, Config{})
	assert.ErrorIs(t, err, util.ErrInvalidArgument)

	pm, err := model.NewCMOS([]model.RailLeakage{{}})
	require.NoError(t, err)
	_, err = NewBoard(ctrl.Log.WithName("testing"), testutils.NewTestTable(1), pm, nil, Config{})
	assert.ErrorIs(t, err, util.ErrInvalidArgument)
}

func TestBoard_ApplyLimits(t *testing.T) {
	board := newTestBoard(t, &fakeNow{}, Config{Workloads: []fxp.UFXP20x12{100 * fxp.One20x12}})

	tcases := []struct {
		testCase string
		limits   perf.DomainGroupLimits
		expected uint32
	}{
		{
			testCase: "Test Case 1 - graphics limit in top pstate",
			limits:   perf.NewLimits(2, 1_500_000),
			expected: 1_500_000,
		},
		{
			testCase: "Test Case 2 - pstate limit only",
			limits:   perf.NewLimits(1, perf.LimitDisabled),
			expected: 950_000,
		},
		{
			testCase: "Test Case 3 - graphics above the pstate max",
			limits:   perf.NewLimits(1, 1_800_000),
			expected: 950_000,
		},
		{
			testCase: "Test Case 4 - nothing limited",
			limits:   perf.Disabled(),
			expected: 2_000_000,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.testCase, func(t *testing.T) {
			assert.NoError(t, board.ApplyLimits(tc.limits))
			freq, err := board.ClockFrequency("gpc")
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, freq)
		})
	}

	_, err := board.ClockFrequency("mem")
	assert.ErrorIs(t, err, util.ErrInvalidState)
}

func TestBoard_ChannelSample(t *testing.T) {
	clk := &fakeNow{}
	clk.ns.Store(1000)
	board := newTestBoard(t, clk, Config{Workloads: []fxp.UFXP20x12{100 * fxp.One20x12, 50 * fxp.One20x12}})
	require.NoError(t, board.ApplyLimits(perf.NewLimits(2, 1_500_000)))
	clk.ns.Store(3000)

	// 850 mV on both rails at 1.5 GHz
	rail0, err := board.ChannelSample(RailChannel(0))
	require.NoError(t, err)
	assert.Equal(t, metrics.ChannelSample{PowerMW: 4400 + 108375, TimestampNs: 2000}, rail0)

	rail1, err := board.ChannelSample(RailChannel(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(2200+54188), rail1.PowerMW)

	total, err := board.ChannelSample(TotalChannel)
	require.NoError(t, err)
	assert.Equal(t, rail0.PowerMW+rail1.PowerMW, total.PowerMW)

	_, err = board.ChannelSample(RailChannel(2))
	assert.ErrorIs(t, err, util.ErrInvalidState)

	require.NoError(t, board.SetWorkload(0, 200*fxp.One20x12))
	rail0, err = board.ChannelSample(RailChannel(0))
	require.NoError(t, err)
	assert.Equal(t, uint32(4400+216750), rail0.PowerMW)
	assert.ErrorIs(t, board.SetWorkload(5, 0), util.ErrInvalidArgument)
}

func TestBoard_Voltages(t *testing.T) {
	board := newTestBoard(t, &fakeNow{}, Config{Workloads: []fxp.UFXP20x12{fxp.One20x12, fxp.One20x12}})
	require.NoError(t, board.ApplyLimits(perf.NewLimits(2, 1_500_000)))

	v, err := board.RailVoltage(1, metrics.VoltageSourceSensed)
	assert.NoError(t, err)
	assert.Equal(t, uint32(850), v)

	floor, err := board.RailVoltageFloor(0, metrics.VoltageSourceSet)
	assert.NoError(t, err)
	assert.Equal(t, uint32(700), floor)

	_, err = board.RailVoltage(2, metrics.VoltageSourceSet)
	assert.ErrorIs(t, err, util.ErrInvalidArgument)
}

func TestBoard_Residency(t *testing.T) {
	clk := &fakeNow{}
	clk.ns.Store(1000)
	board := newTestBoard(t, clk, Config{
		Workloads:      []fxp.UFXP20x12{100 * fxp.One20x12},
		MSCGResidency:  fxp.Percent4x12(50),
		PGResidency:    fxp.Percent4x12(25),
		ViolationShare: fxp.Percent4x12(25),
	})
	clk.ns.Store(5000)

	assert.Eventually(t, func() bool {
		pair, err := board.ResidencyCounters(metrics.EngineGRPG)
		return err == nil && pair.EvalNs == 4000
	}, time.Second, testInterval)
	pair, err := board.ResidencyCounters(metrics.EngineGRPG)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), pair.SleepNs)

	assert.Eventually(t, func() bool {
		pair, err := board.ResidencyCounters(metrics.EngineMSCG)
		return err == nil && pair == metrics.CounterPair{EvalNs: 4000, SleepNs: 2000}
	}, time.Second, testInterval)

	timer, err := board.ThermalViolationTimer()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1000), timer)
	clk.ns.Store(9000)
	timer, err = board.ThermalViolationTimer()
	assert.NoError(t, err)
	assert.Equal(t, uint64(2000), timer)

	// residency scales the reported power: half the clock, 75% of leakage
	sample, err := board.ChannelSample(TotalChannel)
	require.NoError(t, err)
	assert.Equal(t, uint32(3*(1000+4*1000)/4+100*1000*1000/1000), sample.PowerMW)
}
