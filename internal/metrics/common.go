package metrics

import "errors"

// ErrMetricMissing is returned when a telemetry reader (lower level component)
// is missing and the metric won't be available during process lifetime.
var ErrMetricMissing error = errors.New("metric is missing")

// Internal helper constants for logging
const (
	engineLogKey  = "engine"
	channelLogKey = "channel"
)

// ChannelSample is one power channel reading.
type ChannelSample struct {
	PowerMW     uint32
	TimestampNs uint64
}

// VoltageSource selects where a rail voltage reading comes from.
type VoltageSource uint8

const (
	// VoltageSourceSet is the voltage programmed into the regulator.
	VoltageSourceSet VoltageSource = iota
	// VoltageSourceSensed is the voltage measured by the ADC.
	VoltageSourceSensed
)

func (v VoltageSource) String() string {
	if v == VoltageSourceSensed {
		return "sensed"
	}
	return "set"
}

// Engine identifies a low power feature with sleep residency counters.
type Engine uint8

const (
	// EngineMSCG is memory system clock gating.
	EngineMSCG Engine = iota
	// EngineGRPG is graphics power gating.
	EngineGRPG

	EngineCount
)

func (e Engine) String() string {
	switch e {
	case EngineMSCG:
		return "mscg"
	case EngineGRPG:
		return "grpg"
	default:
		return "unknown"
	}
}

// CounterPair is one atomic read of an engine's elapsed and sleep time
// counters. Both fields must come from the same critical section.
type CounterPair struct {
	EvalNs  uint64
	SleepNs uint64
}

// PowerChannels reads power channel samples.
type PowerChannels interface {
	ChannelSample(channel uint8) (ChannelSample, error)
}

// Clocks reads the current frequency of a clock domain, internal units.
type Clocks interface {
	ClockFrequency(domain string) (uint32, error)
}

// Voltages reads rail voltages and the minimum voltage a rail may run at.
type Voltages interface {
	RailVoltage(rail int, src VoltageSource) (uint32, error)
	RailVoltageFloor(rail int, src VoltageSource) (uint32, error)
}

// ViolationTimer reads the thermal slowdown violation timer, in ns.
type ViolationTimer interface {
	ThermalViolationTimer() (uint64, error)
}

// ResidencyCounters reads an engine's counter pair.
type ResidencyCounters interface {
	ResidencyCounters(engine Engine) (CounterPair, error)
}

// Source is the complete telemetry surface consumed by the power policies.
type Source interface {
	PowerChannels
	Clocks
	Voltages
	ViolationTimer
	ResidencyCounters
}
