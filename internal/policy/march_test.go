package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/testutils"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

func TestNewMarcher(t *testing.T) {
	_, err := NewMarcher(nil, 1)
	assert.ErrorIs(t, err, util.ErrNotReady)
	_, err = NewMarcher(testutils.NewTestTable(1), 0)
	assert.ErrorIs(t, err, util.ErrInvalidArgument)
}

func TestMarcherStep(t *testing.T) {
	tcs := []struct {
		testCase string
		ratio    uint32
		step     uint32
		cur      perf.DomainGroupLimits
		action   Action
		expected perf.DomainGroupLimits
	}{
		{
			testCase: "Test Case 1 - cap within top pstate",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(2, 1_500_000),
			action:   ActionCap,
			expected: perf.NewLimits(2, 1_350_000),
		},
		{
			testCase: "Test Case 2 - cap without room drops the pstate",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(2, 1_050_000),
			action:   ActionCap,
			expected: perf.NewLimits(1, 950_000),
		},
		{
			testCase: "Test Case 3 - cap below top pstate drops one pstate",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(1, 950_000),
			action:   ActionCap,
			expected: perf.NewLimits(0, 600_000),
		},
		{
			testCase: "Test Case 4 - cap at lowest pstate holds",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(0, 600_000),
			action:   ActionCap,
			expected: perf.NewLimits(0, 600_000),
		},
		{
			testCase: "Test Case 5 - uncap raises one pstate to its max",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(0, 600_000),
			action:   ActionUncap,
			expected: perf.NewLimits(1, 950_000),
		},
		{
			testCase: "Test Case 6 - uncap into top pstate starts at its first point",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(1, 950_000),
			action:   ActionUncap,
			expected: perf.NewLimits(2, 1_000_000),
		},
		{
			testCase: "Test Case 7 - uncap stops at the last point",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(2, 1_950_000),
			action:   ActionUncap,
			expected: perf.NewLimits(2, 2_000_000),
		},
		{
			testCase: "Test Case 8 - uncap at the last point holds",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(2, 2_000_000),
			action:   ActionUncap,
			expected: perf.NewLimits(2, 2_000_000),
		},
		{
			testCase: "Test Case 9 - no action",
			ratio:    1, step: 3,
			cur:      perf.NewLimits(2, 1_500_000),
			action:   ActionNone,
			expected: perf.NewLimits(2, 1_500_000),
		},
		{
			testCase: "Test Case 10 - 2x domain steps in external units",
			ratio:    2, step: 3,
			cur:      perf.NewLimits(2, 1_500_000),
			action:   ActionCap,
			expected: perf.NewLimits(2, 1_350_000),
		},
		{
			testCase: "Test Case 11 - 2x domain pstate max is halved",
			ratio:    2, step: 1,
			cur:      perf.NewLimits(2, 1_000_000),
			action:   ActionCap,
			expected: perf.NewLimits(1, 950_000),
		},
	}

	for _, tc := range tcs {
		t.Log(tc.testCase)
		m, err := NewMarcher(testutils.NewTestTable(tc.ratio), tc.step)
		require.NoError(t, err)
		next, err := m.Step(tc.cur, tc.action)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, next)
	}

	m, err := NewMarcher(testutils.NewTestTable(1), 1)
	require.NoError(t, err)
	cur := perf.NewLimits(2, 1_500_000)
	next, err := m.Step(cur, Action(42))
	assert.ErrorIs(t, err, util.ErrInvalidArgument)
	assert.Equal(t, cur, next)
}

func TestMarchPolicy(t *testing.T) {
	src := &testutils.MockSource{}
	p, err := NewMarch(testLogger(), "march", testutils.NewTestTable(1), mustInputs(100_000), src, MarchConfig{
		Channel:         0,
		StepSize:        2,
		UncapHysteresis: fxp.Percent4x12(10),
	})
	require.NoError(t, err)
	assert.Equal(t, KindMarch, p.Kind())

	// nothing runs before load
	assert.ErrorIs(t, p.Filter(), util.ErrNotReady)
	_, err = p.Evaluate()
	assert.ErrorIs(t, err, util.ErrNotReady)

	require.NoError(t, p.Load())
	assert.Equal(t, perf.NewLimits(2, 2_000_000), p.Limits())
	assert.False(t, p.IsCapped())

	tcs := []struct {
		powerMW  uint32
		action   Action
		expected perf.DomainGroupLimits
		capped   bool
	}{
		{powerMW: 120_000, action: ActionCap, expected: perf.NewLimits(2, 1_900_000), capped: true},
		// inside the hysteresis band
		{powerMW: 95_000, action: ActionNone, expected: perf.NewLimits(2, 1_900_000), capped: true},
		{powerMW: 80_000, action: ActionUncap, expected: perf.NewLimits(2, 2_000_000), capped: false},
	}
	for i, tc := range tcs {
		src.On("ChannelSample", uint8(0)).Return(metrics.ChannelSample{PowerMW: tc.powerMW}, nil).Once()
		require.NoError(t, p.Filter())
		limits, err := p.Evaluate()
		require.NoError(t, err)
		assert.Equal(t, tc.expected, limits, "cycle %d", i)
		assert.Equal(t, tc.capped, p.IsCapped(), "cycle %d", i)

		status := p.Status()
		assert.Equal(t, tc.action, status.Action, "cycle %d", i)
		assert.Equal(t, tc.powerMW, status.ValueMW, "cycle %d", i)
		assert.Equal(t, uint32(100_000), status.LimitMW, "cycle %d", i)
	}

	src.On("ChannelSample", uint8(0)).Return(metrics.ChannelSample{}, errors.New("channel offline")).Once()
	assert.Error(t, p.Filter())
	assert.Equal(t, perf.NewLimits(2, 2_000_000), p.Limits())
	src.AssertExpectations(t)
}
