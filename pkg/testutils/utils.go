package testutils

import (
	"fmt"

	"github.com/stretchr/testify/mock"

	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

// TestTableSize is the number of VF points in NewTestTable.
const TestTableSize = 21

// NewTestTable returns a three-pstate graphics table whose top pstate holds
// TestTableSize VF points from 1.0 to 2.0 GHz (external) in 50 MHz steps.
// Lower pstates carry no VF points. ratio scales every internal frequency.
func NewTestTable(ratio uint32) *perf.Table {
	domain, err := perf.NewClockDomain("gpc", ratio)
	if err != nil {
		panic(err)
	}
	pstates := []perf.PstateBounds{
		{MinKHz: ratio * 300_000, MaxKHz: ratio * 600_000},
		{MinKHz: ratio * 600_000, MaxKHz: ratio * 950_000},
		{MinKHz: ratio * 1_000_000, MaxKHz: ratio * 2_000_000},
	}
	points := make([]perf.VFPoint, TestTableSize)
	for i := range points {
		points[i] = perf.VFPoint{
			FreqKHz:   ratio * (1_000_000 + 50_000*uint32(i)),
			VoltageMV: [perf.MaxRails]uint32{700 + 15*uint32(i), 750 + 10*uint32(i)},
		}
	}
	table, err := perf.NewTable(domain, pstates, points)
	if err != nil {
		panic(fmt.Sprintf("test table: %v", err))
	}
	return table
}

type MockSource struct {
	mock.Mock
}

var _ metrics.Source = &MockSource{}

func (m *MockSource) ChannelSample(channel uint8) (metrics.ChannelSample, error) {
	args := m.Called(channel)
	return args.Get(0).(metrics.ChannelSample), args.Error(1)
}

func (m *MockSource) ClockFrequency(domain string) (uint32, error) {
	args := m.Called(domain)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockSource) RailVoltage(rail int, src metrics.VoltageSource) (uint32, error) {
	args := m.Called(rail, src)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockSource) RailVoltageFloor(rail int, src metrics.VoltageSource) (uint32, error) {
	args := m.Called(rail, src)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockSource) ThermalViolationTimer() (uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockSource) ResidencyCounters(engine metrics.Engine) (metrics.CounterPair, error) {
	args := m.Called(engine)
	return args.Get(0).(metrics.CounterPair), args.Error(1)
}

type MockPowerModel struct {
	mock.Mock
}

func (m *MockPowerModel) Leakage(rail int, voltageMV uint32) (uint32, error) {
	args := m.Called(rail, voltageMV)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockPowerModel) Workload(rail int, dynamicMW, freqKHz, voltageMV uint32) (fxp.UFXP20x12, error) {
	args := m.Called(rail, dynamicMW, freqKHz, voltageMV)
	return args.Get(0).(fxp.UFXP20x12), args.Error(1)
}

func (m *MockPowerModel) DynamicPower(rail int, w fxp.UFXP20x12, freqKHz, voltageMV uint32) (uint32, error) {
	args := m.Called(rail, w, freqKHz, voltageMV)
	return args.Get(0).(uint32), args.Error(1)
}
