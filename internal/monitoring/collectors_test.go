package monitoring

import (
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/status"
)

type snapshotSourceMock struct {
	mock.Mock
}

func (s *snapshotSourceMock) Snapshots() []status.Snapshot {
	return s.Called().Get(0).([]status.Snapshot)
}

func setupLogger() {
	log.SetLogger(zap.New(zap.UseDevMode(true), func(opts *zap.Options) {
		opts.TimeEncoder = zapcore.ISO8601TimeEncoder
	}))
}

func testSnapshots() []status.Snapshot {
	return []status.Snapshot{
		{
			Board:  "gpu0",
			Cycle:  7,
			Errors: []string{"policy tgp: channel 0: not ready"},
			Policies: []status.Policy{
				{
					Name:        "tgp",
					Kind:        "march",
					LimitMW:     150000,
					ValueMW:     160000,
					Capped:      true,
					Pstate:      2,
					GraphicsKHz: 1500000,
					Action:      "cap",
				},
				{
					Name:             "core",
					Kind:             "workload_multirail",
					LimitMW:          perf.LimitDisabled,
					ValueMW:          90000,
					Pstate:           perf.LimitDisabled,
					GraphicsKHz:      perf.LimitDisabled,
					ViolationPct:     10,
					MSCGResidencyPct: 50,
					PGResidencyPct:   25,
					Rails: []status.Rail{
						{Workload: 0x2800, ObservedMW: 60000, VoltageMV: 800},
						{Workload: 0x1000, ObservedMW: 30000, VoltageMV: 850},
					},
					Stale: true,
				},
			},
			Arbiter: status.Arbiter{
				Pstate:             2,
				GraphicsKHz:        1500000,
				CeilingPstate:      2,
				CeilingGraphicsKHz: 1800000,
				Ceilings: []status.Ceiling{
					{Client: "host", Pstate: perf.LimitDisabled, GraphicsKHz: 1800000},
				},
			},
		},
		{
			Board: "gpu1",
			Cycle: 3,
			Arbiter: status.Arbiter{
				Pstate:             perf.LimitDisabled,
				GraphicsKHz:        perf.LimitDisabled,
				CeilingPstate:      perf.LimitDisabled,
				CeilingGraphicsKHz: perf.LimitDisabled,
				Fault:              true,
			},
		},
	}
}

func TestNewPerPolicyCollector(t *testing.T) {
	setupLogger()
	source := &snapshotSourceMock{}
	source.On("Snapshots").Return(testSnapshots())

	metricName := prom.BuildFQName(promNamespace, policySubsystem, "test_policy_metric")
	collector := newPerPolicyCollector(
		metricName,
		"test policy metric",
		prom.GaugeValue,
		source,
		func(p status.Policy) (uint32, bool) { return p.ValueMW, p.Kind == "march" },
		ctrl.Log.WithName("testing"),
	)
	expected := `
		# HELP power_policy_test_policy_metric test policy metric
		# TYPE power_policy_test_policy_metric gauge
		power_policy_test_policy_metric{board="gpu0",kind="march",policy="tgp"} 160000
	`
	err := promtestutil.CollectAndCompare(collector, strings.NewReader(expected), metricName)
	assert.Nil(t, err)
}

func TestNewSnapshotCollector_NoBoards(t *testing.T) {
	setupLogger()
	source := &snapshotSourceMock{}
	source.On("Snapshots").Return([]status.Snapshot{})

	metricName := prom.BuildFQName(promNamespace, cappingSubsystem, "test_board_metric")
	collector := newPerBoardCollector(
		metricName,
		"test board metric",
		prom.GaugeValue,
		source,
		func(s status.Snapshot) (uint64, bool) { return s.Cycle, true },
		ctrl.Log.WithName("testing"),
	)
	// We expect the Collector to return nothing - that also means no errors
	err := promtestutil.CollectAndCompare(collector, strings.NewReader(``), metricName)
	assert.Nil(t, err)
	assert.Equal(t, 0, promtestutil.CollectAndCount(collector))
}

func TestCappingCollectors(t *testing.T) {
	setupLogger()
	source := &snapshotSourceMock{}
	source.On("Snapshots").Return(testSnapshots())

	registry := prom.NewPedanticRegistry()
	registry.MustRegister(newCappingCollectors(source, ctrl.Log.WithName(LogTopName))...)

	tcases := []struct {
		testCase   string
		metricName string
		expected   string
	}{
		{
			testCase:   "Test Case 1 - cycle counter per board",
			metricName: "power_capping_cycles_total",
			expected: `
				# HELP power_capping_cycles_total Counter of completed capping cycles
				# TYPE power_capping_cycles_total counter
				power_capping_cycles_total{board="gpu0"} 7
				power_capping_cycles_total{board="gpu1"} 3
			`,
		},
		{
			testCase:   "Test Case 2 - disabled policy limit is not exported",
			metricName: "power_policy_limit_milliwatts",
			expected: `
				# HELP power_policy_limit_milliwatts Gauge of the power limit a policy enforces
				# TYPE power_policy_limit_milliwatts gauge
				power_policy_limit_milliwatts{board="gpu0",kind="march",policy="tgp"} 150000
			`,
		},
		{
			testCase:   "Test Case 3 - stale flag",
			metricName: "power_policy_stale",
			expected: `
				# HELP power_policy_stale Gauge set to 1 when the last cycle of a policy was aborted
				# TYPE power_policy_stale gauge
				power_policy_stale{board="gpu0",kind="march",policy="tgp"} 0
				power_policy_stale{board="gpu0",kind="workload_multirail",policy="core"} 1
			`,
		},
		{
			testCase:   "Test Case 4 - residency only for multirail policies",
			metricName: "power_policy_mscg_residency_percent",
			expected: `
				# HELP power_policy_mscg_residency_percent Gauge of the memory-system clock gating residency seen by a policy
				# TYPE power_policy_mscg_residency_percent gauge
				power_policy_mscg_residency_percent{board="gpu0",kind="workload_multirail",policy="core"} 50
			`,
		},
		{
			testCase:   "Test Case 5 - rail workload",
			metricName: "power_policy_rail_workload",
			expected: `
				# HELP power_policy_rail_workload Gauge of the filtered workload estimated on a rail
				# TYPE power_policy_rail_workload gauge
				power_policy_rail_workload{board="gpu0",policy="core",rail="0"} 2.5
				power_policy_rail_workload{board="gpu0",policy="core",rail="1"} 1
			`,
		},
		{
			testCase:   "Test Case 6 - arbitrated clock skips unlimited boards",
			metricName: "power_arbiter_graphics_clock_khz",
			expected: `
				# HELP power_arbiter_graphics_clock_khz Gauge of the arbitrated graphics clock limit
				# TYPE power_arbiter_graphics_clock_khz gauge
				power_arbiter_graphics_clock_khz{board="gpu0"} 1.5e+06
			`,
		},
		{
			testCase:   "Test Case 7 - fault flag",
			metricName: "power_arbiter_fault",
			expected: `
				# HELP power_arbiter_fault Gauge set to 1 while the board is held at full deflection
				# TYPE power_arbiter_fault gauge
				power_arbiter_fault{board="gpu0"} 0
				power_arbiter_fault{board="gpu1"} 1
			`,
		},
		{
			testCase:   "Test Case 8 - client ceilings",
			metricName: "power_arbiter_ceiling_graphics_clock_khz",
			expected: `
				# HELP power_arbiter_ceiling_graphics_clock_khz Gauge of the graphics clock ceiling requested by a client
				# TYPE power_arbiter_ceiling_graphics_clock_khz gauge
				power_arbiter_ceiling_graphics_clock_khz{board="gpu0",client="host"} 1.8e+06
			`,
		},
		{
			testCase:   "Test Case 9 - disabled ceiling pstate is not exported",
			metricName: "power_arbiter_ceiling_pstate",
			expected:   ``,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.testCase, func(t *testing.T) {
			err := promtestutil.GatherAndCompare(registry, strings.NewReader(tc.expected), tc.metricName)
			assert.Nil(t, err)
		})
	}
}

func TestRegisterCappingCollectors(t *testing.T) {
	setupLogger()
	source := &snapshotSourceMock{}
	source.On("Snapshots").Return(testSnapshots())

	assert.NotPanics(t, func() {
		RegisterCappingCollectors(source, ctrl.Log.WithName(LogTopName))
	})
	count, err := promtestutil.GatherAndCount(ctrlMetrics.Registry, "power_capping_cycles_total")
	assert.Nil(t, err)
	assert.Equal(t, 2, count)
}
