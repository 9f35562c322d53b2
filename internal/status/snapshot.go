// Package status builds and serializes point-in-time snapshots of the
// capping engine: every policy's state and the arbitrated limits.
package status

import (
	"github.com/nvmexp/lw-firmware-sub145/internal/arbiter"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
)

type Rail struct {
	Workload   uint32 `cbor:"workload_ufxp20_12" json:"workloadUfxp20_12"`
	ObservedMW uint32 `cbor:"observed_mw" json:"observedMW"`
	VoltageMV  uint32 `cbor:"voltage_mv" json:"voltageMV"`
}

type Policy struct {
	Name             string `cbor:"name" json:"name"`
	Kind             string `cbor:"kind" json:"kind"`
	LimitMW          uint32 `cbor:"limit_mw" json:"limitMW"`
	ValueMW          uint32 `cbor:"value_mw" json:"valueMW"`
	Capped           bool   `cbor:"capped" json:"capped"`
	Pstate           uint32 `cbor:"pstate" json:"pstate"`
	GraphicsKHz      uint32 `cbor:"graphics_khz" json:"graphicsKHz"`
	Action           string `cbor:"action,omitempty" json:"action,omitempty"`
	ViolationPct     uint32 `cbor:"violation_pct" json:"violationPct"`
	MSCGResidencyPct uint32 `cbor:"mscg_residency_pct" json:"mscgResidencyPct"`
	PGResidencyPct   uint32 `cbor:"pg_residency_pct" json:"pgResidencyPct"`
	Rails            []Rail `cbor:"rails,omitempty" json:"rails,omitempty"`
	Stale            bool   `cbor:"stale" json:"stale"`
}

type Ceiling struct {
	Client      string `cbor:"client" json:"client"`
	Pstate      uint32 `cbor:"pstate" json:"pstate"`
	GraphicsKHz uint32 `cbor:"graphics_khz" json:"graphicsKHz"`
}

type Arbiter struct {
	Pstate             uint32    `cbor:"pstate" json:"pstate"`
	GraphicsKHz        uint32    `cbor:"graphics_khz" json:"graphicsKHz"`
	CeilingPstate      uint32    `cbor:"ceiling_pstate" json:"ceilingPstate"`
	CeilingGraphicsKHz uint32    `cbor:"ceiling_graphics_khz" json:"ceilingGraphicsKHz"`
	Fault              bool      `cbor:"fault" json:"fault"`
	Ceilings           []Ceiling `cbor:"ceilings,omitempty" json:"ceilings,omitempty"`
}

// Snapshot is the state of one board after a cycle. Disabled limits are
// reported as 4294967295.
type Snapshot struct {
	Board       string   `cbor:"board" json:"board"`
	Cycle       uint64   `cbor:"cycle" json:"cycle"`
	TimestampNs int64    `cbor:"timestamp_ns" json:"timestampNs"`
	Policies    []Policy `cbor:"policies" json:"policies"`
	Arbiter     Arbiter  `cbor:"arbiter" json:"arbiter"`
	Errors      []string `cbor:"errors,omitempty" json:"errors,omitempty"`
}

// FromPolicy converts a policy status. stale marks a policy whose cycle was
// aborted.
func FromPolicy(s policy.Status, stale bool) Policy {
	p := Policy{
		Name:             s.Name,
		Kind:             s.Kind.String(),
		LimitMW:          s.LimitMW,
		ValueMW:          s.ValueMW,
		Capped:           s.Capped,
		Pstate:           s.Limits.Pstate(),
		GraphicsKHz:      s.Limits.Graphics(),
		ViolationPct:     s.ViolationPct,
		MSCGResidencyPct: s.MSCGResidency.Percent(),
		PGResidencyPct:   s.PGResidency.Percent(),
		Stale:            stale,
	}
	if s.Kind == policy.KindBangBang || s.Kind == policy.KindMarch {
		p.Action = s.Action.String()
	}
	for _, r := range s.Rails {
		p.Rails = append(p.Rails, Rail{Workload: uint32(r.Workload), ObservedMW: r.ObservedMW, VoltageMV: r.VoltageMV})
	}
	return p
}

// FromArbiter converts an arbitration result and the ceilings behind it.
func FromArbiter(res arbiter.Result, requests []arbiter.CeilingRequest) Arbiter {
	a := Arbiter{
		Pstate:             res.Limits.Pstate(),
		GraphicsKHz:        res.Limits.Graphics(),
		CeilingPstate:      res.Ceiling.Pstate(),
		CeilingGraphicsKHz: res.Ceiling.Graphics(),
		Fault:              res.Fault,
	}
	for _, r := range requests {
		if r.Ceiling.IsDisabled() {
			continue
		}
		a.Ceilings = append(a.Ceilings, Ceiling{
			Client:      r.Client.String(),
			Pstate:      r.Ceiling.Pstate(),
			GraphicsKHz: r.Ceiling.Graphics(),
		})
	}
	return a
}

// Limits returns the arbitrated limits of the snapshot.
func (a Arbiter) Limits() perf.DomainGroupLimits {
	return perf.NewLimits(a.Pstate, a.GraphicsKHz)
}
