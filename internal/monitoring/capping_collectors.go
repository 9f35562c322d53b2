package monitoring

import (
	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/internal/status"
	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
)

// RegisterCappingCollectors registers collectors exposing the latest capping
// snapshots of source in the controller-runtime registry.
func RegisterCappingCollectors(source SnapshotSource, logger logr.Logger) {
	ctrlMetrics.Registry.MustRegister(newCappingCollectors(source, logger)...)
}

func enabled(v uint32) (uint32, bool) {
	return v, v != perf.LimitDisabled
}

func newCappingCollectors(source SnapshotSource, logger logr.Logger) []prom.Collector {
	cappingLog := logger.WithName(cappingSubsystem)
	policyLog := logger.WithName(policySubsystem)
	arbiterLog := logger.WithName(arbiterSubsystem)

	return []prom.Collector{
		newPerBoardCollector(
			prom.BuildFQName(promNamespace, cappingSubsystem, "cycles_total"),
			"Counter of completed capping cycles",
			prom.CounterValue,
			source,
			func(s status.Snapshot) (uint64, bool) { return s.Cycle, true },
			cappingLog.WithValues(logNameKey, "cycles_total"),
		),
		newPerBoardCollector(
			prom.BuildFQName(promNamespace, cappingSubsystem, "cycle_errors"),
			"Gauge of errors reported by the last capping cycle",
			prom.GaugeValue,
			source,
			func(s status.Snapshot) (int, bool) { return len(s.Errors), true },
			cappingLog.WithValues(logNameKey, "cycle_errors"),
		),

		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "limit_milliwatts"),
			"Gauge of the power limit a policy enforces",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) { return enabled(p.LimitMW) },
			policyLog.WithValues(logNameKey, "limit_milliwatts"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "value_milliwatts"),
			"Gauge of the filtered power reading of a policy",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) { return p.ValueMW, true },
			policyLog.WithValues(logNameKey, "value_milliwatts"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "capped"),
			"Gauge set to 1 while a policy limits the clocks",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint8, bool) { return boolToNumber(p.Capped), true },
			policyLog.WithValues(logNameKey, "capped"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "stale"),
			"Gauge set to 1 when the last cycle of a policy was aborted",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint8, bool) { return boolToNumber(p.Stale), true },
			policyLog.WithValues(logNameKey, "stale"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "pstate"),
			"Gauge of the pstate limit requested by a policy",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) { return enabled(p.Pstate) },
			policyLog.WithValues(logNameKey, "pstate"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "graphics_clock_khz"),
			"Gauge of the graphics clock limit requested by a policy",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) { return enabled(p.GraphicsKHz) },
			policyLog.WithValues(logNameKey, "graphics_clock_khz"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "thermal_violation_percent"),
			"Gauge of the share of the last sample period spent in thermal violation",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) { return p.ViolationPct, p.Kind != policy.KindMarch.String() },
			policyLog.WithValues(logNameKey, "thermal_violation_percent"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "mscg_residency_percent"),
			"Gauge of the memory-system clock gating residency seen by a policy",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) {
				return p.MSCGResidencyPct, p.Kind == policy.KindWorkloadMultirail.String()
			},
			policyLog.WithValues(logNameKey, "mscg_residency_percent"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "pg_residency_percent"),
			"Gauge of the filtered power gating residency seen by a policy",
			prom.GaugeValue,
			source,
			func(p status.Policy) (uint32, bool) {
				return p.PGResidencyPct, p.Kind == policy.KindWorkloadMultirail.String()
			},
			policyLog.WithValues(logNameKey, "pg_residency_percent"),
		),
		newPerRailCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "rail_workload"),
			"Gauge of the filtered workload estimated on a rail",
			prom.GaugeValue,
			source,
			func(r status.Rail) float64 { return fxp.UFXP20x12(r.Workload).Float64() },
			policyLog.WithValues(logNameKey, "rail_workload"),
		),
		newPerRailCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "rail_power_milliwatts"),
			"Gauge of the filtered power observed on a rail",
			prom.GaugeValue,
			source,
			func(r status.Rail) uint32 { return r.ObservedMW },
			policyLog.WithValues(logNameKey, "rail_power_milliwatts"),
		),
		newPerRailCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "rail_voltage_millivolts"),
			"Gauge of the rail voltage sampled by a policy",
			prom.GaugeValue,
			source,
			func(r status.Rail) uint32 { return r.VoltageMV },
			policyLog.WithValues(logNameKey, "rail_voltage_millivolts"),
		),

		newPerBoardCollector(
			prom.BuildFQName(promNamespace, arbiterSubsystem, "pstate"),
			"Gauge of the arbitrated pstate limit",
			prom.GaugeValue,
			source,
			func(s status.Snapshot) (uint32, bool) { return enabled(s.Arbiter.Pstate) },
			arbiterLog.WithValues(logNameKey, "pstate"),
		),
		newPerBoardCollector(
			prom.BuildFQName(promNamespace, arbiterSubsystem, "graphics_clock_khz"),
			"Gauge of the arbitrated graphics clock limit",
			prom.GaugeValue,
			source,
			func(s status.Snapshot) (uint32, bool) { return enabled(s.Arbiter.GraphicsKHz) },
			arbiterLog.WithValues(logNameKey, "graphics_clock_khz"),
		),
		newPerBoardCollector(
			prom.BuildFQName(promNamespace, arbiterSubsystem, "fault"),
			"Gauge set to 1 while the board is held at full deflection",
			prom.GaugeValue,
			source,
			func(s status.Snapshot) (uint8, bool) { return boolToNumber(s.Arbiter.Fault), true },
			arbiterLog.WithValues(logNameKey, "fault"),
		),
		newPerCeilingCollector(
			prom.BuildFQName(promNamespace, arbiterSubsystem, "ceiling_graphics_clock_khz"),
			"Gauge of the graphics clock ceiling requested by a client",
			prom.GaugeValue,
			source,
			func(c status.Ceiling) (uint32, bool) { return enabled(c.GraphicsKHz) },
			arbiterLog.WithValues(logNameKey, "ceiling_graphics_clock_khz"),
		),
		newPerCeilingCollector(
			prom.BuildFQName(promNamespace, arbiterSubsystem, "ceiling_pstate"),
			"Gauge of the pstate ceiling requested by a client",
			prom.GaugeValue,
			source,
			func(c status.Ceiling) (uint32, bool) { return enabled(c.Pstate) },
			arbiterLog.WithValues(logNameKey, "ceiling_pstate"),
		),
	}
}
