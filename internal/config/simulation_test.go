package config

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	ctrl "sigs.k8s.io/controller-runtime"

	powerv1 "github.com/nvmexp/lw-firmware-sub145/api/v1"
	"github.com/nvmexp/lw-firmware-sub145/internal/capping"
	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/model"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/internal/sim"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

func TestSimulatorConfig(t *testing.T) {
	board := loadFixture(t).Spec.Boards[0]

	cfg, err := SimulatorConfig(board.Simulator)
	require.NoError(t, err)
	assert.Equal(t, []fxp.UFXP20x12{80 * fxp.One20x12, 30 * fxp.One20x12}, cfg.Workloads)
	assert.Equal(t, fxp.Percent4x12(10), cfg.MSCGResidency)
	assert.Equal(t, fxp.Percent4x12(5), cfg.PGResidency)
	assert.Equal(t, fxp.UFXP4x12(0), cfg.ViolationShare)

	_, err = SimulatorConfig(nil)
	assert.Error(t, err)
}

// TestSimulatedBoard runs the fixture board against the simulator and
// lowers the user limit of the total power policy.
func TestSimulatedBoard(t *testing.T) {
	setupLogger()
	cfg := loadFixture(t)

	var (
		nowNs  atomic.Uint64
		mu     sync.Mutex
		boards []*sim.Board
	)
	nowNs.Store(1)
	io := func(spec powerv1.BoardSpec, table *perf.Table, pm model.PowerModel) (metrics.Source, capping.LimitSink, error) {
		simCfg, err := SimulatorConfig(spec.Simulator)
		if err != nil {
			return nil, nil, err
		}
		simCfg.CounterInterval = time.Millisecond
		board, err := sim.NewBoard(ctrl.Log.WithName("sim"), table, pm, nowNs.Load, simCfg)
		if err != nil {
			return nil, nil, err
		}
		mu.Lock()
		boards = append(boards, board)
		mu.Unlock()
		return board, board, nil
	}
	defer func() {
		for _, b := range boards {
			b.Close()
		}
	}()

	factory := NewStateFactory(cfg, io, clocktesting.NewFakePassiveClock(time.Unix(0, 0)), ctrl.Log.WithName("testing"))
	state, err := factory(CappingOpts(cfg)[0])
	require.NoError(t, err)
	require.NoError(t, state.Load())
	require.Len(t, boards, 1)
	board := boards[0]

	nowNs.Add(uint64(time.Millisecond))
	assert.Eventually(t, func() bool {
		_, errMSCG := board.ResidencyCounters(metrics.EngineMSCG)
		_, errPG := board.ResidencyCounters(metrics.EngineGRPG)
		return errMSCG == nil && errPG == nil
	}, time.Second, time.Millisecond)

	runCycles := func(n int) {
		for i := 0; i < n; i++ {
			nowNs.Add(uint64(50 * time.Millisecond))
			_, err := state.RunCycle()
			require.NoError(t, err)
		}
	}

	// nothing is over its limit: only the host ceiling holds the clock
	runCycles(10)
	snap := state.Snapshot()
	assert.Equal(t, uint64(10), snap.Cycle)
	assert.Equal(t, perf.NewLimits(2, 1_900_000), snap.Arbiter.Limits())
	freq, err := board.ClockFrequency("gpc")
	require.NoError(t, err)
	assert.Equal(t, uint32(1_900_000), freq)

	tgp, found := state.Policy("tgp")
	require.True(t, found)
	require.NoError(t, tgp.Inputs().Set(policy.LimitClientUser, 150_000))

	runCycles(30)
	snap = state.Snapshot()
	assert.Empty(t, snap.Errors)
	assert.Less(t, snap.Arbiter.GraphicsKHz, uint32(1_900_000))
	assert.GreaterOrEqual(t, snap.Arbiter.GraphicsKHz, uint32(1_000_000))

	total, err := board.ChannelSample(sim.TotalChannel)
	require.NoError(t, err)
	// integral correction may lift the target up to 110% of the limit
	assert.LessOrEqual(t, total.PowerMW, uint32(165_000))
	assert.True(t, tgp.IsCapped())
}
